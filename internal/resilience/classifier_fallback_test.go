package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier/mock"
	"github.com/shapetutor/shapetutor/pkg/types"
)

func TestClassifierFallback_Classify(t *testing.T) {
	t.Parallel()

	down := mock.Response{Err: fmt.Errorf("dial: %w", classifier.ErrUnavailable)}
	cube := mock.Response{Detection: types.Detection{Label: "cube", Confidence: 0.8}, OK: true}

	primary := &mock.Provider{Default: down}
	secondary := &mock.Provider{Default: cube}
	fb := NewClassifierFallback(primary, "gpu", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback("cpu", secondary)

	for range 3 {
		d, ok, err := fb.Classify(context.Background(), []byte("img"))
		if err != nil || !ok || d.Label != "cube" {
			t.Fatalf("Classify = %+v, %v, %v", d, ok, err)
		}
	}
	if primary.CallCount() != 2 {
		t.Errorf("primary calls = %d, want 2", primary.CallCount())
	}
	if fb.States()["gpu"] != StateOpen {
		t.Errorf("gpu state = %v", fb.States()["gpu"])
	}
}

func TestClassifierFallback_NoDetectionIsSuccess(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{}
	secondary := &mock.Provider{}
	fb := NewClassifierFallback(primary, "gpu", FallbackConfig{})
	fb.AddFallback("cpu", secondary)

	_, ok, err := fb.Classify(context.Background(), []byte("img"))
	if err != nil || ok {
		t.Fatalf("Classify = %v, %v", ok, err)
	}
	if secondary.CallCount() != 0 {
		t.Error("secondary consulted for an empty frame")
	}
}

func TestClassifierFallback_AllDownIsUnavailable(t *testing.T) {
	t.Parallel()

	fb := NewClassifierFallback(&mock.Provider{Default: mock.Response{Err: errors.New("500")}}, "gpu", FallbackConfig{})
	fb.AddFallback("cpu", &mock.Provider{Default: mock.Response{Err: errors.New("500")}})

	_, _, err := fb.Classify(context.Background(), []byte("img"))
	if !errors.Is(err, classifier.ErrUnavailable) || !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrUnavailable and ErrAllFailed", err)
	}
}

func TestClassifierFallback_Info(t *testing.T) {
	t.Parallel()

	fb := NewClassifierFallback(&mock.Provider{InfoErr: classifier.ErrUnavailable}, "gpu", FallbackConfig{})
	fb.AddFallback("cpu", &mock.Provider{ModelInfo: classifier.ModelInfo{Loaded: true, Device: "cpu"}})

	info, err := fb.Info(context.Background())
	if err != nil || info.Device != "cpu" || !info.Loaded {
		t.Fatalf("Info = %+v, %v", info, err)
	}
}
