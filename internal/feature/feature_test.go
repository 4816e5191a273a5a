package feature

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/shapetutor/shapetutor/internal/detect"
	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/internal/speech"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier/mock"
	ttsmock "github.com/shapetutor/shapetutor/pkg/provider/tts/mock"
	"github.com/shapetutor/shapetutor/pkg/types"
)

var frame = func() []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

func newService(cls *mock.Provider, tts *ttsmock.Provider, m *observe.Metrics) *Service {
	return NewService(NewGate(m), &detect.Classifier{Name: "touch", Provider: cls, Metrics: m}, speech.New(tts), nil, m)
}

func TestGate_Transitions(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	ctx := context.Background()
	if g.IsSuppressed() || g.Epoch() != 0 {
		t.Fatal("new gate not open")
	}
	if e := g.Begin(ctx); e != 1 || !g.IsSuppressed() {
		t.Fatalf("after Begin: epoch %d suppressed %v", e, g.IsSuppressed())
	}
	g.Begin(ctx)
	g.End(ctx)
	if g.IsSuppressed() || g.Epoch() != 2 {
		t.Errorf("after End: suppressed %v epoch %d", g.IsSuppressed(), g.Epoch())
	}
	g.End(ctx)
	if g.IsSuppressed() {
		t.Error("double End suppressed the gate")
	}
}

func TestGate_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() { defer wg.Done(); g.Begin(context.Background()) }()
		go func() {
			defer wg.Done()
			_ = g.IsSuppressed()
			if i%2 == 0 {
				g.End(context.Background())
			}
		}()
	}
	wg.Wait()
	if g.Epoch() != 50 {
		t.Errorf("epoch = %d, want 50", g.Epoch())
	}
}

func TestDetect_SuppressedSkipsClassifier(t *testing.T) {
	t.Parallel()

	cls := &mock.Provider{Default: mock.Response{Detection: types.Detection{Label: "vertex", Confidence: 0.7}, OK: true}}
	s := newService(cls, &ttsmock.Provider{}, nil)
	ctx := context.Background()

	s.Begin(ctx)
	for range 3 {
		res, err := s.Detect(ctx, frame, "en")
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if !res.Suppressed || res.Detection != nil {
			t.Fatalf("result = %+v, want suppressed", res)
		}
	}
	if cls.CallCount() != 0 {
		t.Fatalf("classifier called %d times while suppressed", cls.CallCount())
	}

	s.End(ctx)
	res, err := s.Detect(ctx, frame, "en")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Suppressed || res.Detection == nil || res.Detection.Label != "vertex" {
		t.Fatalf("result = %+v after End", res)
	}
	if cls.CallCount() != 1 {
		t.Errorf("classifier calls = %d", cls.CallCount())
	}
}

func TestDetect_Results(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resp     mock.Response
		lang     string
		wantName string
		wantNil  bool
	}{
		{
			name:     "feature",
			resp:     mock.Response{Detection: types.Detection{Label: "curved_surface", Confidence: 0.41, Box: types.BoundingBox{X1: 1, Y1: 2, X2: 3, Y2: 4}}, OK: true},
			lang:     "en",
			wantName: "curved surface",
		},
		{
			name:     "localized feature",
			resp:     mock.Response{Detection: types.Detection{Label: "vertex", Confidence: 0.9}, OK: true},
			lang:     "es",
			wantName: "vértice",
		},
		{
			name:    "nothing touched",
			lang:    "en",
			wantNil: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newService(&mock.Provider{Default: tc.resp}, &ttsmock.Provider{}, nil)
			res, err := s.Detect(context.Background(), frame, tc.lang)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if res.Suppressed {
				t.Fatal("unexpectedly suppressed")
			}
			if tc.wantNil {
				if res.Detection != nil {
					t.Errorf("detection = %+v, want nil", res.Detection)
				}
				return
			}
			if res.Detection == nil || res.Name != tc.wantName || res.Description == "" {
				t.Errorf("result = %+v", res)
			}
			if res.Detection.Confidence != tc.resp.Detection.Confidence || res.Detection.Box != tc.resp.Detection.Box {
				t.Errorf("detection = %+v", res.Detection)
			}
		})
	}
}

func TestDetect_Errors(t *testing.T) {
	t.Parallel()

	s := newService(&mock.Provider{Default: mock.Response{Err: errors.New("gpu fell off")}}, &ttsmock.Provider{}, nil)
	_, err := s.Detect(context.Background(), frame, "en")
	var ce *detect.ClassifierError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want *detect.ClassifierError", err)
	}

	_, err = s.Detect(context.Background(), []byte("junk"), "en")
	var ie *detect.InputError
	if !errors.As(err, &ie) {
		t.Errorf("err = %v, want *detect.InputError", err)
	}

	s = NewService(nil, nil, nil, nil, nil)
	if _, err := s.Detect(context.Background(), frame, "en"); !errors.Is(err, detect.ErrClassifierUnavailable) {
		t.Errorf("err = %v, want ErrClassifierUnavailable", err)
	}
}

func TestDetect_UnavailableWhileSuppressed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, c := range map[string]*detect.Classifier{
		"no classifier": nil,
		"no provider":   {Name: "touch"},
	} {
		s := NewService(nil, c, nil, nil, nil)
		s.Begin(ctx)
		res, err := s.Detect(ctx, frame, "en")
		if !errors.Is(err, detect.ErrClassifierUnavailable) {
			t.Errorf("%s: err = %v, want ErrClassifierUnavailable", name, err)
		}
		if res.Suppressed {
			t.Errorf("%s: reported suppressed without a classifier", name)
		}
	}
}

func TestSpeak(t *testing.T) {
	t.Parallel()

	tts := &ttsmock.Provider{Audio: []byte("mp3")}
	s := newService(&mock.Provider{}, tts, nil)
	ctx := context.Background()

	tests := []struct {
		feature string
		lang    string
		next    bool
		want    string
	}{
		{"vertex", "en", false, "You touched a vertex"},
		{"curved_surface", "en", false, "You touched a curved surface"},
		{"", "en", true, "Please move to the next feature"},
		{"edge", "fr", false, "Vous avez touché un bord"},
	}
	for _, tc := range tests {
		sp := s.Speak(ctx, tc.feature, tc.lang, tc.next)
		if sp.Text != tc.want || string(sp.Audio) != "mp3" {
			t.Errorf("Speak(%q, %q, %v) = %+v, want %q", tc.feature, tc.lang, tc.next, sp, tc.want)
		}
	}
	if n := len(tts.Calls()); n != len(tests) {
		t.Errorf("tts calls = %d", n)
	}
}

func TestGuide(t *testing.T) {
	t.Parallel()

	s := newService(&mock.Provider{}, &ttsmock.Provider{Audio: []byte("a")}, nil)
	sp := s.Guide(context.Background(), "en")
	if !strings.HasPrefix(sp.Text, "Before we begin, ") || sp.Audio == nil {
		t.Errorf("guide = %q", sp.Text)
	}
}

func TestDetect_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s := newService(&mock.Provider{}, &ttsmock.Provider{}, m)
	ctx := context.Background()
	s.Detect(ctx, frame, "en")
	s.Begin(ctx)
	s.Detect(ctx, frame, "en")
	s.End(ctx)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	if sums["shapetutor.feature.detections"] != 2 {
		t.Errorf("feature detections = %d, want 2", sums["shapetutor.feature.detections"])
	}
	if sums["shapetutor.gate.transitions"] != 2 {
		t.Errorf("gate transitions = %d, want 2", sums["shapetutor.gate.transitions"])
	}
}
