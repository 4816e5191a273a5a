package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/shapetutor/shapetutor/internal/detect"
)

// FileField is the multipart field carrying the image.
const FileField = "file"

type frame struct {
	image    []byte
	language string
	session  string
}

// readFrame reads a multipart frame upload bounded by MaxUploadBytes.
func (s *Server) readFrame(w http.ResponseWriter, r *http.Request) (frame, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return frame{}, err
		}
		return frame{}, &detect.InputError{Reason: "expected multipart form with an image file", Err: err}
	}
	f, _, err := r.FormFile(FileField)
	if err != nil {
		return frame{}, &detect.InputError{Reason: "missing image file", Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return frame{}, &detect.InputError{Reason: "unreadable image file", Err: err}
	}
	return frame{
		image:    buf.Bytes(),
		language: s.language(r, r.FormValue("language")),
		session:  firstNonEmpty(r.FormValue("sessionId"), r.FormValue("session_id"), r.Header.Get(SessionHeader)),
	}, nil
}
