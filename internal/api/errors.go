package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/shapetutor/shapetutor/internal/detect"
	"github.com/shapetutor/shapetutor/internal/observe"
)

// statusFor maps a service error onto an HTTP status code.
func statusFor(err error) int {
	var (
		inputErr *detect.InputError
		clsErr   *detect.ClassifierError
		tooBig   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &inputErr):
		return http.StatusBadRequest
	case errors.Is(err, detect.ErrClassifierUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &clsErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error body. Internal errors are logged and
// replaced by a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		msg = http.StatusText(status)
	} else {
		observe.Logger(r.Context()).Warn("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeOptional fills dst from a JSON body or from form values. An empty
// body leaves dst untouched.
func decodeOptional(r *http.Request, dst any) error {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case ct == "application/json":
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return &detect.InputError{Reason: "invalid JSON body", Err: err}
		}
		return nil
	case ct == "application/x-www-form-urlencoded" || strings.HasPrefix(ct, "multipart/"):
		if err := r.ParseMultipartForm(DefaultMaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return &detect.InputError{Reason: "invalid form body", Err: err}
		}
		return formInto(r, dst)
	default:
		return nil
	}
}

// formInto copies form values onto the request types that accept them.
func formInto(r *http.Request, dst any) error {
	switch v := dst.(type) {
	case *startRequest:
		v.SessionID = r.FormValue("sessionId")
		v.LegacySessionID = r.FormValue("session_id")
		v.Language = r.FormValue("language")
	case *speakRequest:
		v.Text = r.FormValue("text")
		v.Language = r.FormValue("language")
	case *speakFeatureRequest:
		v.Feature = r.FormValue("feature")
		v.Language = r.FormValue("language")
		v.IsNextInstruction = formBool(r.FormValue("isNextInstruction"))
		v.LegacyIsNextInstruction = formBool(r.FormValue("is_next_instruction"))
	}
	return nil
}

func formBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
