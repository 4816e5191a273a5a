package classifier_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier/mock"
	"github.com/shapetutor/shapetutor/pkg/types"
)

func TestNormalizeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Cube", "cube"},
		{"  Triangular Prism ", "triangular_prism"},
		{"tetrahedrone", "tetrahedrone"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := classifier.NormalizeLabel(tc.in); got != tc.want {
			t.Errorf("NormalizeLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	if got := classifier.DisplayName("curved_surface"); got != "curved surface" {
		t.Errorf("DisplayName = %q", got)
	}
}

func TestVocabulary_Snap(t *testing.T) {
	t.Parallel()

	v := classifier.NewVocabulary([]string{"Cube", "cuboid", "cone", "cylinder", "tetrahedrone", "prism", "cube"}, 0)
	if n := len(v.Labels()); n != 6 {
		t.Fatalf("Labels() has %d entries, want 6 (deduplicated)", n)
	}

	tests := []struct {
		in, want string
	}{
		{"cube", "cube"},
		{"cylindre", "cylinder"},
		{"tetrahedron", "tetrahedrone"},
		{"sphere", "sphere"},
		{"pyramid", "pyramid"},
	}
	for _, tc := range tests {
		if got := v.Snap(tc.in); got != tc.want {
			t.Errorf("Snap(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVocabulary_NilSnapIsIdentity(t *testing.T) {
	t.Parallel()

	var v *classifier.Vocabulary
	if got := v.Snap("cube"); got != "cube" {
		t.Errorf("nil Snap = %q", got)
	}
}

func TestRefine(t *testing.T) {
	t.Parallel()

	vocab := classifier.NewVocabulary([]string{"cylinder"}, 0)
	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		resp      mock.Response
		wantOK    bool
		wantLabel string
		wantErr   error
	}{
		{
			name:      "normalises and snaps",
			resp:      mock.Response{Detection: types.Detection{Label: " Cylindre ", Confidence: 0.8}, OK: true},
			wantOK:    true,
			wantLabel: "cylinder",
		},
		{
			name: "below min confidence",
			resp: mock.Response{Detection: types.Detection{Label: "cylinder", Confidence: 0.49}, OK: true},
		},
		{
			name:      "exactly min confidence",
			resp:      mock.Response{Detection: types.Detection{Label: "cylinder", Confidence: 0.5}, OK: true},
			wantOK:    true,
			wantLabel: "cylinder",
		},
		{
			name: "blank label",
			resp: mock.Response{Detection: types.Detection{Label: "  ", Confidence: 0.9}, OK: true},
		},
		{
			name: "no detection",
			resp: mock.Response{},
		},
		{
			name:    "error passes through",
			resp:    mock.Response{Err: errBoom},
			wantErr: errBoom,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := classifier.Refine(&mock.Provider{Default: tc.resp}, classifier.RefineOptions{
				MinConfidence: 0.5,
				Vocabulary:    vocab,
			})
			d, ok, err := p.Classify(context.Background(), nil)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if d.Label != tc.wantLabel {
				t.Errorf("label = %q, want %q", d.Label, tc.wantLabel)
			}
		})
	}
}

func TestRefine_InfoNormalisesClasses(t *testing.T) {
	t.Parallel()

	p := classifier.Refine(&mock.Provider{ModelInfo: classifier.ModelInfo{
		Loaded:  true,
		Device:  "cpu",
		Classes: []string{"Triangular Prism", "Cube"},
	}}, classifier.RefineOptions{})
	info, err := p.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Classes[0] != "triangular_prism" || info.Classes[1] != "cube" {
		t.Errorf("classes = %v", info.Classes)
	}
}

func TestBest(t *testing.T) {
	t.Parallel()

	if _, ok := classifier.Best(nil); ok {
		t.Error("Best(nil) reported a detection")
	}
	d, ok := classifier.Best([]types.Detection{
		{Label: "a", Confidence: 0.6},
		{Label: "b", Confidence: 0.9},
		{Label: "c", Confidence: 0.9},
	})
	if !ok || d.Label != "b" {
		t.Errorf("Best = %+v, want b (earliest of ties)", d)
	}
}
