// Package api exposes the rotation, still-image and feature flows over HTTP
// and WebSocket.
//
// Frame uploads are multipart/form-data with the image in field "file" and
// optional "language" and "sessionId" fields. The session key may also be
// sent in the X-Session-ID header. Responses are JSON with camelCase fields;
// audio is base64 encoded.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/shapetutor/shapetutor/internal/detect"
	"github.com/shapetutor/shapetutor/internal/feature"
	"github.com/shapetutor/shapetutor/internal/journal"
	"github.com/shapetutor/shapetutor/internal/locale"
	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/internal/rotation"
	"github.com/shapetutor/shapetutor/internal/speech"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// Banner is the body of GET /.
const Banner = "3D Object Teaching API is running!"

// SessionHeader carries an explicit rotation session key.
const SessionHeader = "X-Session-ID"

// DefaultMaxUploadBytes caps a frame upload when Config leaves it zero.
const DefaultMaxUploadBytes = 10 << 20

// Journal is the read side of the outcome journal.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]types.Outcome, error)
}

// Config wires a Server. Rotation and Feature are required.
type Config struct {
	Rotation *rotation.Service
	Feature  *feature.Service
	Narrator *speech.Narrator
	Locale   *locale.Resolver

	// ObjectClassifier and TouchClassifier back GET /models/status.
	ObjectClassifier *detect.Classifier
	TouchClassifier  *detect.Classifier

	Journal Journal

	MaxUploadBytes int64

	// AllowedOrigins is applied to CORS and WebSocket origin checks.
	AllowedOrigins []string

	// StillLimiter throttles POST /detect-object/. Nil disables it.
	StillLimiter *rate.Limiter

	// DefaultLanguage applies when a request carries none.
	DefaultLanguage string
}

// Server serves the HTTP API.
type Server struct {
	cfg Config
}

// New returns a Server for cfg.
func New(cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Locale == nil {
		cfg.Locale = locale.Default()
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = string(locale.Base)
	}
	return &Server{cfg: cfg}
}

// Register adds every API route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /start-rotation-detection/", s.handleStartRotation)
	mux.HandleFunc("POST /detect-object-rotation/", s.handleRotationFrame)
	mux.HandleFunc("POST /detect-object/", s.handleStill)
	mux.HandleFunc("POST /detect-feature/", s.handleFeature)
	mux.HandleFunc("POST /start-feature-announcement/", s.handleBeginAnnouncement)
	mux.HandleFunc("POST /end-feature-announcement/", s.handleEndAnnouncement)
	mux.HandleFunc("POST /speak-feature/", s.handleSpeakFeature)
	mux.HandleFunc("POST /speak/", s.handleSpeak)
	mux.HandleFunc("GET /guide/", s.handleGuide)
	mux.HandleFunc("GET /models/status", s.handleModelStatus)
	mux.HandleFunc("GET /detections/recent", s.handleRecent)
	mux.HandleFunc("GET /ws/rotation", s.handleRotationStream)
}

// Handler returns the API on its own mux wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return CORS(s.cfg.AllowedOrigins)(mux)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": Banner})
}

func (s *Server) handleStartRotation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	key := firstNonEmpty(req.SessionID, req.LegacySessionID, r.Header.Get(SessionHeader))
	res := s.cfg.Rotation.Start(r.Context(), key, s.language(r, req.Language))
	writeJSON(w, http.StatusOK, newStartResponse(res))
}

func (s *Server) handleRotationFrame(w http.ResponseWriter, r *http.Request) {
	f, err := s.readFrame(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.cfg.Rotation.SubmitFrame(r.Context(), f.session, f.language, f.image)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetectionResponse(res))
}

func (s *Server) handleStill(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StillLimiter != nil && !s.cfg.StillLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		return
	}
	f, err := s.readFrame(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.cfg.Rotation.DetectStill(r.Context(), f.language, f.image)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetectionResponse(res))
}

func (s *Server) handleFeature(w http.ResponseWriter, r *http.Request) {
	f, err := s.readFrame(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.cfg.Feature.Detect(r.Context(), f.image, f.language)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeatureResponse(res))
}

func (s *Server) handleBeginAnnouncement(w http.ResponseWriter, r *http.Request) {
	s.cfg.Feature.Begin(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{Status: "started", Epoch: s.cfg.Feature.Gate().Epoch()})
}

func (s *Server) handleEndAnnouncement(w http.ResponseWriter, r *http.Request) {
	s.cfg.Feature.End(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{Status: "ended", Epoch: s.cfg.Feature.Gate().Epoch()})
}

func (s *Server) handleSpeakFeature(w http.ResponseWriter, r *http.Request) {
	var req speakFeatureRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	next := req.IsNextInstruction || req.LegacyIsNextInstruction
	sp := s.cfg.Feature.Speak(r.Context(), req.Feature, s.language(r, req.Language), next)
	writeJSON(w, http.StatusOK, speechResponse{Audio: speech.Encode(sp.Audio), Text: sp.Text})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No text provided"})
		return
	}
	lang := string(s.cfg.Locale.Match(s.language(r, req.Language)))
	audio := s.cfg.Narrator.SpeakBase64(r.Context(), req.Text, lang)
	writeJSON(w, http.StatusOK, speechResponse{Audio: audio, Text: req.Text})
}

func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	sp := s.cfg.Feature.Guide(r.Context(), s.language(r, ""))
	writeJSON(w, http.StatusOK, speechResponse{Audio: speech.Encode(sp.Audio), Text: sp.Text})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	obj, objErr := s.cfg.ObjectClassifier.Info(ctx)
	touch, touchErr := s.cfg.TouchClassifier.Info(ctx)
	res := modelStatusResponse{
		ObjectModelLoaded: objErr == nil && obj.Loaded,
		TouchModelLoaded:  touchErr == nil && touch.Loaded,
		Device:            firstNonEmpty(obj.Device, touch.Device, "unknown"),
		ObjectClasses:     nonNil(obj.Classes),
		TouchClasses:      nonNil(touch.Classes),
	}
	for name, err := range map[string]error{"object": objErr, "touch": touchErr} {
		if err != nil && !errors.Is(err, detect.ErrClassifierUnavailable) {
			observe.Logger(ctx).Warn("model status query failed", "classifier", name, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := journal.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, &detect.InputError{Reason: "limit must be a positive integer", Err: err})
			return
		}
		limit = n
	}
	out := []types.Outcome{}
	if s.cfg.Journal != nil {
		recent, err := s.cfg.Journal.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out = append(out, recent...)
	}
	writeJSON(w, http.StatusOK, recentResponse{Outcomes: out})
}

// language picks the request language: explicit value, then the "language"
// query parameter, then the configured default.
func (s *Server) language(r *http.Request, explicit string) string {
	return firstNonEmpty(explicit, r.URL.Query().Get("language"), s.cfg.DefaultLanguage)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
