package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"probooking/internal/models"
)

const headerReplayed = "Idempotent-Replayed"

// captureWriter tees the response so a successful write can be stored.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// idempotent replays the stored response for a repeated Idempotency-Key from
// the same caller; otherwise it runs next and stores a 2xx result.
func (s *HTTPServer) idempotent(w http.ResponseWriter, r *http.Request, actor models.Actor, next func(w http.ResponseWriter)) {
	key := strings.TrimSpace(r.Header.Get(s.idempotencyHeader()))
	if key == "" || s.svc.Requests == nil {
		next(w)
		return
	}
	storeKey := fmt.Sprintf("%s:%d:%s %s:%s", actor.Role, actor.ID, r.Method, r.URL.Path, key)

	cached, err := s.svc.Requests.GetResponse(r.Context(), storeKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Idempotency lookup failed, executing request")
	}
	if cached != nil {
		if cached.ContentType != "" {
			w.Header().Set("Content-Type", cached.ContentType)
		}
		w.Header().Set(headerReplayed, "true")
		w.WriteHeader(cached.StatusCode)
		_, _ = w.Write(cached.Body)
		return
	}

	capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
	next(capture)

	if capture.status < 200 || capture.status >= 300 {
		return
	}
	resp := &models.StoredResponse{
		StatusCode:  capture.status,
		ContentType: w.Header().Get("Content-Type"),
		Body:        capture.body.Bytes(),
		StoredAt:    time.Now().UTC(),
	}
	ttl := s.cfg.Idempotency.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.svc.Requests.SaveResponse(r.Context(), storeKey, resp, ttl); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to store idempotent response")
	}
}

func (s *HTTPServer) idempotencyHeader() string {
	if s.cfg.Idempotency.Header == "" {
		return "Idempotency-Key"
	}
	return s.cfg.Idempotency.Header
}
