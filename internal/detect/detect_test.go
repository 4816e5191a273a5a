package detect

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier/mock"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// testPNG returns a tiny valid PNG.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestValidateImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		img     []byte
		wantErr bool
	}{
		{"png", testPNG(t), false},
		{"empty", nil, true},
		{"garbage", []byte("definitely not an image"), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateImage(tc.img)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			var ie *InputError
			if tc.wantErr && !errors.As(err, &ie) {
				t.Errorf("err %T is not *InputError", err)
			}
		})
	}
}

func TestClassifier_Classify(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	tests := []struct {
		name        string
		provider    classifier.Provider
		img         []byte
		wantResult  types.FrameResult
		wantUnavail bool
		wantClsErr  bool
		wantInput   bool
	}{
		{
			name:       "detected",
			provider:   &mock.Provider{Default: mock.Response{Detection: types.Detection{Label: "cube", Confidence: 0.8}, OK: true}},
			img:        testPNG(t),
			wantResult: types.Detected(types.Detection{Label: "cube", Confidence: 0.8}),
		},
		{
			name:       "not detected",
			provider:   &mock.Provider{},
			img:        testPNG(t),
			wantResult: types.NotDetected(),
		},
		{
			name:        "nil provider",
			img:         testPNG(t),
			wantUnavail: true,
		},
		{
			name:        "backend unavailable",
			provider:    &mock.Provider{Default: mock.Response{Err: classifier.ErrUnavailable}},
			img:         testPNG(t),
			wantUnavail: true,
		},
		{
			name:       "backend failure",
			provider:   &mock.Provider{Default: mock.Response{Err: errBoom}},
			img:        testPNG(t),
			wantClsErr: true,
		},
		{
			name:      "bad image",
			provider:  &mock.Provider{},
			img:       []byte("nope"),
			wantInput: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := &Classifier{Name: "object", Provider: tc.provider}
			got, err := c.Classify(context.Background(), tc.img)

			var ce *ClassifierError
			var ie *InputError
			switch {
			case tc.wantUnavail:
				if !errors.Is(err, ErrClassifierUnavailable) {
					t.Fatalf("err = %v, want ErrClassifierUnavailable", err)
				}
			case tc.wantClsErr:
				if !errors.As(err, &ce) || !errors.Is(err, errBoom) {
					t.Fatalf("err = %v, want *ClassifierError wrapping boom", err)
				}
			case tc.wantInput:
				if !errors.As(err, &ie) {
					t.Fatalf("err = %v, want *InputError", err)
				}
				if m, ok := tc.provider.(*mock.Provider); ok && m.CallCount() != 0 {
					t.Error("classifier called for an invalid image")
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != tc.wantResult {
					t.Errorf("result = %+v, want %+v", got, tc.wantResult)
				}
			}
		})
	}
}

func TestClassifier_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	c := &Classifier{Name: "touch", Provider: &mock.Provider{}, Metrics: m}
	if _, err := c.Classify(context.Background(), testPNG(t)); err != nil {
		t.Fatalf("Classify: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
		}
	}
	for _, name := range []string{"shapetutor.classifier.duration", "shapetutor.provider.requests"} {
		if !found[name] {
			t.Errorf("metric %s not recorded", name)
		}
	}
}

func TestClassifier_Info(t *testing.T) {
	t.Parallel()

	var c *Classifier
	if _, err := c.Info(context.Background()); !errors.Is(err, ErrClassifierUnavailable) {
		t.Errorf("nil Info err = %v", err)
	}
	c = &Classifier{Provider: &mock.Provider{ModelInfo: classifier.ModelInfo{Loaded: true, Device: "cpu"}}}
	info, err := c.Info(context.Background())
	if err != nil || !info.Loaded {
		t.Errorf("Info = %+v, %v", info, err)
	}
}
