// Package httpapi provides a classifier.Provider that delegates inference to
// a remote detection server over HTTP.
//
// The server is expected to expose two endpoints:
//
//   - POST {base}/predict: multipart/form-data with the image in field "file".
//     Answers {"detections":[{"label":..,"confidence":..,"box":{"x1":..}}]}.
//   - GET {base}/info: answers {"loaded":true,"device":"cuda:0","classes":[..]}.
//
// The highest-confidence detection of each response is returned; confidence
// filtering and label normalisation are left to [classifier.Refine].
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/types"
)

var _ classifier.Provider = (*Provider)(nil)

const (
	defaultTimeout  = 10 * time.Second
	predictEndpoint = "/predict"
	infoEndpoint    = "/info"

	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 10 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithModel selects a named model on servers that host several; it is sent
// as the "model" form field and query parameter.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements classifier.Provider against a remote inference server.
// It is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Provider targeting baseURL (e.g. "http://localhost:8001").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("httpapi: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type wireBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type wireDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        wireBox `json:"box"`
}

type predictResponse struct {
	Detections []wireDetection `json:"detections"`
}

type infoResponse struct {
	Loaded  bool     `json:"loaded"`
	Device  string   `json:"device"`
	Classes []string `json:"classes"`
}

// Classify uploads image and returns the best detection in the response.
func (p *Provider) Classify(ctx context.Context, image []byte) (types.Detection, bool, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return types.Detection{}, false, fmt.Errorf("httpapi: build form: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return types.Detection{}, false, fmt.Errorf("httpapi: build form: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return types.Detection{}, false, fmt.Errorf("httpapi: build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return types.Detection{}, false, fmt.Errorf("httpapi: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+predictEndpoint, &body)
	if err != nil {
		return types.Detection{}, false, fmt.Errorf("httpapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out predictResponse
	if err := p.do(req, &out); err != nil {
		return types.Detection{}, false, err
	}

	ds := make([]types.Detection, 0, len(out.Detections))
	for _, d := range out.Detections {
		ds = append(ds, types.Detection{
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        types.BoundingBox(d.Box),
		})
	}
	d, ok := classifier.Best(ds)
	return d, ok, nil
}

// Info queries the server's model status.
func (p *Provider) Info(ctx context.Context) (classifier.ModelInfo, error) {
	url := p.baseURL + infoEndpoint
	if p.model != "" {
		url += "?model=" + p.model
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return classifier.ModelInfo{}, fmt.Errorf("httpapi: create request: %w", err)
	}
	var out infoResponse
	if err := p.do(req, &out); err != nil {
		return classifier.ModelInfo{}, err
	}
	return classifier.ModelInfo{Loaded: out.Loaded, Device: out.Device, Classes: out.Classes}, nil
}

func (p *Provider) do(req *http.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: %w: %w", classifier.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode == http.StatusServiceUnavailable {
			return fmt.Errorf("httpapi: %w: server status %d: %s", classifier.ErrUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
		}
		return fmt.Errorf("httpapi: server status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpapi: decode response: %w", err)
	}
	return nil
}
