// Package openai implements tts.Provider using the OpenAI speech endpoint.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/shapetutor/shapetutor/pkg/provider/tts"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// Defaults used when no model or voice is configured.
const (
	DefaultModel = oai.SpeechModelGPT4oMiniTTS
	DefaultVoice = "alloy"
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  oai.SpeechModel
	voice  string
	format oai.AudioSpeechNewParamsResponseFormat
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
	voice   string
	format  string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithVoice sets the default voice (e.g. "alloy", "nova").
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithFormat sets the response audio format ("mp3", "wav", "opus", ...).
func WithFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}

// New constructs a new OpenAI TTS Provider.
// If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	speechModel := DefaultModel
	if model != "" {
		speechModel = oai.SpeechModel(model)
	}

	cfg := &config{voice: DefaultVoice, format: "mp3"}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  speechModel,
		voice:  cfg.voice,
		format: oai.AudioSpeechNewParamsResponseFormat(cfg.format),
	}, nil
}

// Synthesize implements tts.Provider. The OpenAI models detect the input
// language, so voice.Language is not sent.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}
	v := voice.ID
	if v == "" {
		v = p.voice
	}

	params := oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(v),
		ResponseFormat: p.format,
	}
	if voice.SpeedFactor > 0 {
		params.Speed = oai.Float(voice.SpeedFactor)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("openai tts: empty audio response")
	}
	return audio, nil
}
