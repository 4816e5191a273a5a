package api

import (
	"github.com/shapetutor/shapetutor/internal/aggregate"
	"github.com/shapetutor/shapetutor/internal/feature"
	"github.com/shapetutor/shapetutor/internal/rotation"
	"github.com/shapetutor/shapetutor/internal/speech"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// Error messages kept from the first client release.
const (
	msgNotConfident = "Detection not confident enough"
	msgNoObject     = "No object detected"
)

type startRequest struct {
	SessionID       string `json:"sessionId"`
	LegacySessionID string `json:"session_id"`
	Language        string `json:"language"`
}

type speakRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type speakFeatureRequest struct {
	Feature                 string `json:"feature"`
	Language                string `json:"language"`
	IsNextInstruction       bool   `json:"isNextInstruction"`
	LegacyIsNextInstruction bool   `json:"is_next_instruction"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`
	Message   string `json:"message"`
	Audio     string `json:"audio,omitempty"`
}

func newStartResponse(r rotation.StartResult) startResponse {
	return startResponse{
		SessionID: r.SessionID,
		Language:  r.Language,
		Message:   r.Message,
		Audio:     speech.Encode(r.Audio),
	}
}

// detectionResponse is shared by the rotation and still endpoints.
// DetectionComplete is true only for a confirmed shape; Outcome names the
// decision explicitly.
type detectionResponse struct {
	DetectionComplete bool   `json:"detectionComplete"`
	Outcome           string `json:"outcome"`
	SessionID         string `json:"sessionId,omitempty"`
	Language          string `json:"language"`

	FrameCount   int     `json:"frameCount"`
	TargetFrames int     `json:"targetFrames,omitempty"`
	Progress     float64 `json:"progress"`
	// CurrentDetection is the label seen in the latest frame; its box is in
	// BoundingBox.
	CurrentDetection string             `json:"currentDetection,omitempty"`
	BoundingBox      *types.BoundingBox `json:"boundingBox,omitempty"`

	Object      string `json:"object,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	FullMessage string `json:"fullMessage,omitempty"`
	Confidence  int    `json:"confidence,omitempty"`
	TotalVotes  int    `json:"totalVotes,omitempty"`
	NextStep    string `json:"nextStep,omitempty"`

	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
	Audio  string `json:"audio,omitempty"`
}

func newDetectionResponse(r rotation.Result) detectionResponse {
	resp := detectionResponse{
		Outcome:      r.Kind.String(),
		SessionID:    r.SessionID,
		Language:     r.Language,
		FrameCount:   r.FrameCount,
		TargetFrames: r.TargetFrames,
		Progress:     r.Progress,
		Audio:        speech.Encode(r.Audio),
	}
	switch r.Kind {
	case aggregate.InProgress:
		if c := r.Current; c != nil {
			resp.CurrentDetection = c.Label
			box := c.Box
			resp.BoundingBox = &box
		}
	case aggregate.Confirmed:
		resp.DetectionComplete = true
		resp.Object = r.Label
		resp.DisplayName = r.DisplayName
		resp.Description = r.Description
		resp.FullMessage = r.Message
		resp.Confidence = r.Votes
		resp.TotalVotes = r.FrameCount
		resp.NextStep = r.NextStep
		resp.BoundingBox = r.Box
	case aggregate.Inconclusive:
		resp.Error = msgNotConfident
		resp.Reason = r.Reason
		resp.FullMessage = r.Message
	case aggregate.NoSubject:
		resp.Error = msgNoObject
		resp.Reason = r.Reason
		resp.FullMessage = r.Message
	}
	return resp
}

type featureResponse struct {
	Feature      *string            `json:"feature"`
	FeatureName  string             `json:"featureName,omitempty"`
	Description  string             `json:"description,omitempty"`
	BoundingBox  *types.BoundingBox `json:"boundingBox,omitempty"`
	Confidence   float64            `json:"confidence,omitempty"`
	IsProcessing bool               `json:"isProcessing"`
	Language     string             `json:"language"`
}

func newFeatureResponse(r feature.Result) featureResponse {
	resp := featureResponse{IsProcessing: r.Suppressed, Language: r.Language}
	if d := r.Detection; d != nil {
		label := d.Label
		box := d.Box
		resp.Feature = &label
		resp.FeatureName = r.Name
		resp.Description = r.Description
		resp.BoundingBox = &box
		resp.Confidence = d.Confidence
	}
	return resp
}

type statusResponse struct {
	Status string `json:"status"`
	Epoch  uint64 `json:"epoch"`
}

type speechResponse struct {
	Text  string `json:"text"`
	Audio string `json:"audio,omitempty"`
}

type modelStatusResponse struct {
	ObjectModelLoaded bool     `json:"objectModelLoaded"`
	TouchModelLoaded  bool     `json:"touchModelLoaded"`
	Device            string   `json:"device"`
	ObjectClasses     []string `json:"objectClasses"`
	TouchClasses      []string `json:"touchClasses"`
}

type recentResponse struct {
	Outcomes []types.Outcome `json:"outcomes"`
}

type errorResponse struct {
	Error string `json:"error"`
}
