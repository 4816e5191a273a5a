package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/shapetutor/shapetutor/internal/observe"
)

// wsWriteTimeout bounds a single reply on the rotation stream.
const wsWriteTimeout = 10 * time.Second

// Stream message types.
const (
	streamStarted = "started"
	streamFrame   = "frame"
	streamError   = "error"
)

// streamMessage is the envelope of every server message on /ws/rotation.
// Exactly one of Start, Detection and Error is set.
type streamMessage struct {
	Type      string             `json:"type"`
	Start     *startResponse     `json:"start,omitempty"`
	Detection *detectionResponse `json:"detection,omitempty"`
	Error     string             `json:"error,omitempty"`
	Status    int                `json:"status,omitempty"`
}

// handleRotationStream runs a rotation session over one WebSocket. The
// session starts on connect; each binary message is one frame. The server
// closes the socket normally after the terminal decision.
func (s *Server) handleRotationStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*") {
		opts.OriginPatterns = []string{"*"}
	} else {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxUploadBytes)

	ctx := r.Context()
	q := r.URL.Query()
	key := firstNonEmpty(q.Get("sessionId"), r.Header.Get(SessionHeader))
	start := newStartResponse(s.cfg.Rotation.Start(ctx, key, s.language(r, "")))
	ctx = observe.WithSession(ctx, start.SessionID)
	if err := s.send(ctx, conn, streamMessage{Type: streamStarted, Start: &start}); err != nil {
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				observe.Logger(ctx).Debug("rotation stream read ended", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			if err := s.send(ctx, conn, streamMessage{
				Type:   streamError,
				Error:  "frames must be sent as binary messages",
				Status: http.StatusBadRequest,
			}); err != nil {
				return
			}
			continue
		}

		res, err := s.cfg.Rotation.SubmitFrame(ctx, start.SessionID, start.Language, data)
		if err != nil {
			msg := streamMessage{Type: streamError, Error: err.Error(), Status: statusFor(err)}
			if msg.Status == http.StatusInternalServerError {
				observe.Logger(ctx).Error("rotation stream frame failed", "err", err)
				msg.Error = http.StatusText(msg.Status)
			}
			if err := s.send(ctx, conn, msg); err != nil {
				return
			}
			continue
		}

		det := newDetectionResponse(res)
		if err := s.send(ctx, conn, streamMessage{Type: streamFrame, Detection: &det}); err != nil {
			return
		}
		if res.Kind.Terminal() {
			conn.Close(websocket.StatusNormalClosure, det.Outcome)
			return
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
