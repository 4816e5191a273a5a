// Package exec provides a classifier.Provider that runs a local inference
// command once per image.
//
// The command line is split with shell quoting rules. For every Classify call
// the command receives one JSON object on stdin:
//
//	{"image":"<base64>"}
//
// and must print one JSON object on stdout:
//
//	{"detections":[{"label":"cube","confidence":0.91,"box":{"x1":0,"y1":0,"x2":10,"y2":10}}]}
//
// A non-zero exit status is reported as a classifier failure.
package exec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	osexec "os/exec"
	"slices"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/types"
)

var _ classifier.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithClasses declares the labels the command can emit, reported by Info.
func WithClasses(classes []string) Option {
	return func(p *Provider) {
		p.classes = slices.Clone(classes)
	}
}

// WithDevice sets the device string reported by Info. Defaults to "cpu".
func WithDevice(device string) Option {
	return func(p *Provider) {
		p.device = device
	}
}

// Provider implements classifier.Provider by spawning a command per call.
// It is safe for concurrent use; each call runs its own process.
type Provider struct {
	cmd     []string
	device  string
	classes []string
}

// New parses command and returns a Provider. The executable is resolved
// lazily on first use.
func New(command string, opts ...Option) (*Provider, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("exec: parse classifier command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("exec: classifier command empty")
	}
	p := &Provider{cmd: args, device: "cpu"}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type request struct {
	Image string `json:"image"`
}

type response struct {
	Detections []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Box        struct {
			X1 float64 `json:"x1"`
			Y1 float64 `json:"y1"`
			X2 float64 `json:"x2"`
			Y2 float64 `json:"y2"`
		} `json:"box"`
	} `json:"detections"`
}

// Classify runs the command on image and returns its best detection.
func (p *Provider) Classify(ctx context.Context, image []byte) (types.Detection, bool, error) {
	payload, err := json.Marshal(request{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return types.Detection{}, false, fmt.Errorf("exec: encode request: %w", err)
	}

	cmd := osexec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, osexec.ErrNotFound) {
			return types.Detection{}, false, fmt.Errorf("exec: %w: %w", classifier.ErrUnavailable, err)
		}
		return types.Detection{}, false, fmt.Errorf("exec: run %s: %w: %s", p.cmd[0], err, strings.TrimSpace(stderr.String()))
	}

	var resp response
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return types.Detection{}, false, fmt.Errorf("exec: decode output: %w", err)
	}
	ds := make([]types.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		ds = append(ds, types.Detection{
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        types.BoundingBox{X1: d.Box.X1, Y1: d.Box.Y1, X2: d.Box.X2, Y2: d.Box.Y2},
		})
	}
	d, ok := classifier.Best(ds)
	return d, ok, nil
}

// Info reports whether the executable can be found along with the configured
// device and classes.
func (p *Provider) Info(_ context.Context) (classifier.ModelInfo, error) {
	if _, err := osexec.LookPath(p.cmd[0]); err != nil {
		return classifier.ModelInfo{Device: p.device, Classes: slices.Clone(p.classes)},
			fmt.Errorf("exec: %w: %w", classifier.ErrUnavailable, err)
	}
	return classifier.ModelInfo{Loaded: true, Device: p.device, Classes: slices.Clone(p.classes)}, nil
}
