package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("create booking: %w", SlotConflict(7))

	assert.True(t, errors.Is(err, ErrSlotConflict))
	assert.False(t, errors.Is(err, ErrNotFound))

	var appErr *AppError
	assert.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.Retryable())
	assert.Equal(t, int64(7), appErr.Details["pro_id"])
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("booking", 1), http.StatusNotFound},
		{InvalidArgument("amount", "must be positive"), http.StatusBadRequest},
		{SlotConflict(1), http.StatusConflict},
		{IllegalTransition("completed", "confirmed"), http.StatusConflict},
		{DuplicateRefund(3), http.StatusConflict},
		{Unauthorized("pro cannot resolve"), http.StatusForbidden},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestPublicHidesInternals(t *testing.T) {
	pub := Public(Unauthorized("actor 5 is not the booking's pro"))
	assert.Equal(t, CodeUnauthorized, pub.Code)
	assert.Equal(t, "access denied", pub.Message)
	assert.Nil(t, pub.Err)

	pub = Public(errors.New("sqlite: database is locked"))
	assert.Equal(t, CodeInternal, pub.Code)
	assert.Equal(t, "internal error", pub.Message)

	pub = Public(InvalidArgument("date", "outside booking horizon"))
	assert.Equal(t, "date", pub.Details["field"])
}
