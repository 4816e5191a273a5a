package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier/mock"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()

	code, body := serve(t, New(Checker{Name: "broken", Check: failWith("down")}), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "object_classifier", Check: pass},
				{Name: "journal", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"object_classifier": "ok", "journal": "ok"},
		},
		{
			name: "required fails",
			checkers: []Checker{
				{Name: "object_classifier", Check: failWith("connection refused")},
				{Name: "journal", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"object_classifier": "fail: connection refused", "journal": "ok"},
		},
		{
			name: "optional fails",
			checkers: []Checker{
				{Name: "object_classifier", Check: pass},
				{Name: "journal", Check: failWith("disk full"), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"journal": "degraded: disk full"},
		},
		{
			name: "required beats optional",
			checkers: []Checker{
				{Name: "touch_classifier", Check: failWith("timeout")},
				{Name: "journal", Check: failWith("disk full"), Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode || body.Status != tc.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tc.wantCode, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestClassifierCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       *mock.Provider
		wantErr error
	}{
		{name: "loaded", p: &mock.Provider{ModelInfo: classifier.ModelInfo{Loaded: true, Device: "cuda:0"}}},
		{name: "not loaded", p: &mock.Provider{}, wantErr: ErrModelNotLoaded},
		{name: "unreachable", p: &mock.Provider{InfoErr: classifier.ErrUnavailable}, wantErr: classifier.ErrUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := ClassifierCheck("object_classifier", tc.p.Info)
			err := c.Check(context.Background())
			if !errors.Is(err, tc.wantErr) || (tc.wantErr == nil && err != nil) {
				t.Errorf("Check = %v, want %v", err, tc.wantErr)
			}
			if c.Optional {
				t.Error("classifier checks must be required")
			}
		})
	}
}

func TestPingCheck(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("closed")
	c := PingCheck("journal", func(context.Context) error { return sentinel }, true)
	if err := c.Check(context.Background()); !errors.Is(err, sentinel) {
		t.Errorf("Check = %v", err)
	}
	if !c.Optional || c.Name != "journal" {
		t.Errorf("checker = %+v", c)
	}
}
