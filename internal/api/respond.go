package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/number0/blueocean-plugin/internal/runstore"
)

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondTagged writes data with a BLAKE3 ETag, answering 304 when the
// client already holds the same representation.
func (s *Server) respondTagged(w http.ResponseWriter, r *http.Request, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to encode response", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	body = append(body, '\n')

	tag := etag(body)
	w.Header().Set("ETag", tag)
	if etagMatches(r.Header.Get("If-None-Match"), tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func etag(body []byte) string {
	sum := blake3.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func etagMatches(header, tag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == tag {
			return true
		}
	}
	return false
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeStoreError maps run store and build errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, runstore.ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, runstore.ErrRunFinished):
		s.writeError(w, http.StatusConflict, "run already finished")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("request abandoned", "op", op, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
