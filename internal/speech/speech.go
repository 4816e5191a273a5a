// Package speech narrates learner-facing sentences through a tts.Provider.
//
// Synthesis failures never fail the caller: the text result of a request is
// still useful without audio, so [Narrator.Speak] logs the error and returns
// empty audio.
package speech

import (
	"context"
	"encoding/base64"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/pkg/provider/tts"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// Option configures a Narrator.
type Option func(*Narrator)

// WithVoice sets the base voice profile. The language field is replaced per
// call.
func WithVoice(v types.VoiceProfile) Option {
	return func(n *Narrator) { n.voice = v }
}

// WithMetrics records synthesis latency and provider counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(n *Narrator) { n.metrics = m }
}

// WithTimeout bounds each synthesis call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(n *Narrator) { n.timeout = d }
}

// WithCache keeps the audio of the last size utterances, keyed by voice,
// language and text. Sizes below one disable the cache.
func WithCache(size int) Option {
	return func(n *Narrator) {
		if size < 1 {
			n.cache = nil
			return
		}
		// lru.New only fails for non-positive sizes.
		n.cache, _ = lru.New[string, []byte](size)
	}
}

// Narrator turns text into audio. A Narrator with a nil provider is valid and
// always returns empty audio.
type Narrator struct {
	provider tts.Provider
	voice    types.VoiceProfile
	metrics  *observe.Metrics
	timeout  time.Duration
	cache    *lru.Cache[string, []byte]
}

// New creates a Narrator over p.
func New(p tts.Provider, opts ...Option) *Narrator {
	n := &Narrator{provider: p, timeout: 30 * time.Second}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Speak synthesizes text in lang. It returns nil when synthesis is not
// configured or fails.
func (n *Narrator) Speak(ctx context.Context, text, lang string) []byte {
	if n == nil || n.provider == nil || text == "" {
		return nil
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	voice := n.voice
	voice.Language = lang
	key := voice.ID + "\x00" + lang + "\x00" + text
	if n.cache != nil {
		if audio, ok := n.cache.Get(key); ok {
			return slices.Clone(audio)
		}
	}
	provider := voice.Provider
	if provider == "" {
		provider = "tts"
	}

	ctx, span := observe.StartSpan(ctx, "tts.synthesize",
		trace.WithAttributes(attribute.String("language", lang), attribute.Int("text.length", len(text))))
	start := time.Now()
	audio, err := n.provider.Synthesize(ctx, text, voice)
	if n.metrics != nil {
		n.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", provider)))
	}
	observe.EndSpan(span, err)
	if err != nil {
		if n.metrics != nil {
			n.metrics.RecordProviderRequest(ctx, provider, "tts", "error")
			n.metrics.RecordProviderError(ctx, provider, "tts")
		}
		observe.Logger(ctx).Warn("speech synthesis failed, continuing without audio",
			"language", lang, "err", err)
		return nil
	}
	if n.metrics != nil {
		n.metrics.RecordProviderRequest(ctx, provider, "tts", "ok")
	}
	if n.cache != nil && len(audio) > 0 {
		n.cache.Add(key, slices.Clone(audio))
	}
	return audio
}

// SpeakBase64 is Speak with standard base64 encoding. Failures yield "".
func (n *Narrator) SpeakBase64(ctx context.Context, text, lang string) string {
	return Encode(n.Speak(ctx, text, lang))
}

// Encode renders audio as standard base64, the form every JSON response
// carries. Empty audio encodes to "".
func Encode(audio []byte) string {
	if len(audio) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(audio)
}
