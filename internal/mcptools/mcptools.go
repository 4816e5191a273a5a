// Package mcptools serves read-only shapetutor tools to MCP clients over the
// streamable HTTP transport. An assistant can use them to explain shapes to a
// learner or to inspect what the detector has recently decided.
package mcptools

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/shapetutor/shapetutor/internal/journal"
	"github.com/shapetutor/shapetutor/internal/locale"
	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/pkg/types"
)

const (
	serverName    = "shapetutor"
	serverVersion = "1.0.0"

	// MaxRecent caps the limit accepted by recent_detections.
	MaxRecent = 100
)

// Journal is the read side of the outcome journal.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]types.Outcome, error)
}

// GateState reports the feature announcement gate.
type GateState interface {
	IsSuppressed() bool
	Epoch() uint64
}

// Deps are the services the tools read from. Journal and Gate may be nil;
// the matching tools are then not registered.
type Deps struct {
	Locale  *locale.Resolver
	Journal Journal
	Gate    GateState
	Metrics *observe.Metrics
}

// NewServer returns an MCP server with every available tool registered.
func NewServer(d Deps) *mcp.Server {
	if d.Locale == nil {
		d.Locale = locale.Default()
	}
	s := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(s, describeShapeTool(), instrument(d.Metrics, "describe_shape", describeShapeHandler(d.Locale)))
	if d.Gate != nil {
		mcp.AddTool(s, announcementStatusTool(), instrument(d.Metrics, "announcement_status", announcementStatusHandler(d.Gate)))
	}
	if d.Journal != nil {
		mcp.AddTool(s, recentDetectionsTool(), instrument(d.Metrics, "recent_detections", recentDetectionsHandler(d.Journal)))
	}
	return s
}

// Handler serves s over streamable HTTP.
func Handler(s *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s }, nil)
}

func instrument[I, O any](m *observe.Metrics, name string, h mcp.ToolHandlerFor[I, O]) mcp.ToolHandlerFor[I, O] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in I) (*mcp.CallToolResult, O, error) {
		res, out, err := h(ctx, req, in)
		status := "ok"
		if err != nil {
			status = "error"
			observe.Logger(ctx).Warn("mcp tool failed", "tool", name, "err", err)
		}
		if m != nil {
			m.RecordToolCall(ctx, name, status)
		}
		return res, out, err
	}
}

// DescribeShapeInput selects a shape or feature label.
type DescribeShapeInput struct {
	Label    string `json:"label" jsonschema:"shape or feature label, e.g. cube or triangular_prism"`
	Language string `json:"language,omitempty" jsonschema:"BCP-47 language tag; defaults to English"`
}

// DescribeShapeResult is the localized name and tactile description.
type DescribeShapeResult struct {
	Label       string `json:"label"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

func describeShapeTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "describe_shape",
		Description: "Returns the localized name and tactile description of a 3D shape or shape feature",
	}
}

func describeShapeHandler(r *locale.Resolver) mcp.ToolHandlerFor[DescribeShapeInput, DescribeShapeResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, in DescribeShapeInput) (*mcp.CallToolResult, DescribeShapeResult, error) {
		label := strings.TrimSpace(in.Label)
		if label == "" {
			return nil, DescribeShapeResult{}, fmt.Errorf("label is required")
		}
		lang := string(r.Match(in.Language))
		return nil, DescribeShapeResult{
			Label:       label,
			Name:        r.Name(label, lang),
			Description: r.Resolve(label, lang),
			Language:    lang,
		}, nil
	}
}

// AnnouncementStatusInput takes no arguments.
type AnnouncementStatusInput struct{}

// AnnouncementStatusResult reports the announcement gate.
type AnnouncementStatusResult struct {
	Suppressed bool   `json:"suppressed"`
	Epoch      uint64 `json:"epoch"`
}

func announcementStatusTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "announcement_status",
		Description: "Reports whether feature detection is paused for a spoken announcement",
	}
}

func announcementStatusHandler(g GateState) mcp.ToolHandlerFor[AnnouncementStatusInput, AnnouncementStatusResult] {
	return func(context.Context, *mcp.CallToolRequest, AnnouncementStatusInput) (*mcp.CallToolResult, AnnouncementStatusResult, error) {
		return nil, AnnouncementStatusResult{Suppressed: g.IsSuppressed(), Epoch: g.Epoch()}, nil
	}
}

// RecentDetectionsInput bounds the number of returned outcomes.
type RecentDetectionsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of outcomes, newest first"`
}

// DetectionOutcome is one journaled session decision.
type DetectionOutcome struct {
	SessionID string         `json:"sessionId"`
	Kind      string         `json:"kind"`
	Label     string         `json:"label,omitempty"`
	Votes     int            `json:"votes"`
	Frames    int            `json:"frames"`
	Reason    string         `json:"reason,omitempty"`
	Language  string         `json:"language"`
	Counts    map[string]int `json:"counts,omitempty"`
	DecidedAt string         `json:"decidedAt"`
}

// RecentDetectionsResult lists outcomes newest first.
type RecentDetectionsResult struct {
	Outcomes []DetectionOutcome `json:"outcomes"`
}

func recentDetectionsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "recent_detections",
		Description: "Lists the most recent rotation session outcomes, newest first",
	}
}

func recentDetectionsHandler(j Journal) mcp.ToolHandlerFor[RecentDetectionsInput, RecentDetectionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in RecentDetectionsInput) (*mcp.CallToolResult, RecentDetectionsResult, error) {
		limit := in.Limit
		switch {
		case limit <= 0:
			limit = journal.DefaultRecentLimit
		case limit > MaxRecent:
			limit = MaxRecent
		}
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		recent, err := j.Recent(runCtx, limit)
		if err != nil {
			return nil, RecentDetectionsResult{}, fmt.Errorf("read journal: %w", err)
		}
		out := RecentDetectionsResult{Outcomes: make([]DetectionOutcome, 0, len(recent))}
		for _, o := range recent {
			out.Outcomes = append(out.Outcomes, DetectionOutcome{
				SessionID: o.SessionID,
				Kind:      string(o.Kind),
				Label:     o.Label,
				Votes:     o.Votes,
				Frames:    o.Frames,
				Reason:    o.Reason,
				Language:  o.Language,
				Counts:    o.Counts,
				DecidedAt: o.DecidedAt.UTC().Format(time.RFC3339),
			})
		}
		return nil, out, nil
	}
}
