package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeSlotConflict      = "SLOT_CONFLICT"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodeDuplicateRefund   = "DUPLICATE_REFUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInternal          = "INTERNAL_ERROR"
)

// AppError is an expected, typed outcome returned to callers.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so sentinels work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may retry after refreshing its view.
func (e *AppError) Retryable() bool {
	return e.Code == CodeSlotConflict
}

var (
	ErrNotFound          = &AppError{Code: CodeNotFound, Message: "not found"}
	ErrInvalidArgument   = &AppError{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrSlotConflict      = &AppError{Code: CodeSlotConflict, Message: "slot is no longer available"}
	ErrIllegalTransition = &AppError{Code: CodeIllegalTransition, Message: "illegal transition"}
	ErrDuplicateRefund   = &AppError{Code: CodeDuplicateRefund, Message: "an unprocessed refund already exists"}
	ErrUnauthorized      = &AppError{Code: CodeUnauthorized, Message: "access denied"}
)

func NotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

func InvalidArgument(field, message string) *AppError {
	return &AppError{
		Code:    CodeInvalidArgument,
		Message: fmt.Sprintf("%s: %s", field, message),
		Details: map[string]any{"field": field},
	}
}

func SlotConflict(proID int64) *AppError {
	return &AppError{
		Code:    CodeSlotConflict,
		Message: "slot is no longer available, refresh availability and choose again",
		Details: map[string]any{"pro_id": proID},
	}
}

func IllegalTransition(from, to string) *AppError {
	return &AppError{
		Code:    CodeIllegalTransition,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
		Details: map[string]any{"from": from, "to": to},
	}
}

func DuplicateRefund(bookingID int64) *AppError {
	return &AppError{
		Code:    CodeDuplicateRefund,
		Message: "an unprocessed refund already exists for this booking",
		Details: map[string]any{"booking_id": bookingID},
	}
}

// Unauthorized keeps the reason out of the public message.
func Unauthorized(reason string) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: "access denied",
		Err:     errors.New(reason),
	}
}

// HTTPStatus maps an error to a response code; unknown errors are 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeSlotConflict, CodeIllegalTransition, CodeDuplicateRefund:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the response body for err without leaking internals.
func Public(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}
	return &AppError{Code: CodeInternal, Message: "internal error"}
}
