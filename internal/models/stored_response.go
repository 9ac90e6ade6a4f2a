package models

import "time"

// StoredResponse is a cached write response replayed for a repeated Idempotency-Key.
type StoredResponse struct {
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"stored_at"`
}
