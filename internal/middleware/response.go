package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/types"
	"github.com/Rorqualx/copyguard/pkg/version"
)

// reject answers with the /v1 error envelope, so a client decodes a
// middleware refusal the same way as a failed command.
func reject(w http.ResponseWriter, statusCode int, message string, start time.Time) {
	body, err := json.Marshal(types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: start.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
	if err != nil {
		log.Error().Err(err).Str("message", message).Msg("Failed to encode rejection")
		http.Error(w, message, statusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// statusWriter remembers the status code and whether the response started.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// Status is the code sent to the client, 200 if the handler wrote nothing.
func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Flush implements http.Flusher.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
