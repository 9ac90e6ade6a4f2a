package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"probooking/internal/apperrors"

	"github.com/go-playground/validator/v10"
)

type createBookingRequest struct {
	ProID     int64     `json:"pro_id" validate:"required,gt=0"`
	StudentID int64     `json:"student_id" validate:"omitempty,gt=0"`
	Start     time.Time `json:"start" validate:"required"`
	End       time.Time `json:"end" validate:"required,gtfield=Start"`
	Amount    int64     `json:"amount" validate:"required,gt=0"`
}

type transitionRequest struct {
	TargetStatus string `json:"target_status" validate:"required"`
}

type paymentRequest struct {
	PaidAmount int64 `json:"paid_amount" validate:"required,gt=0"`
}

type messageRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

type resolveRequest struct {
	Resolution   string `json:"resolution" validate:"required,oneof=resolved_pro resolved_customer"`
	Notes        string `json:"notes" validate:"required,max=4000"`
	RefundAmount *int64 `json:"refund_amount" validate:"omitempty,gte=0"`
}

type refundRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"max=1000"`
}

type processRefundRequest struct {
	Amount *int64 `json:"amount" validate:"required,gte=0"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func (s *HTTPServer) decode(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.InvalidArgument("body", "request body too large")
		}
		return apperrors.InvalidArgument("body", "invalid JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.InvalidArgument("body", err.Error())
	}

	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "gt":
		msg = "must be greater than " + fe.Param()
	case "gte":
		msg = "must be at least " + fe.Param()
	case "max":
		msg = "must be at most " + fe.Param() + " characters"
	case "oneof":
		msg = "must be one of: " + fe.Param()
	case "gtfield":
		msg = "must be after " + strings.ToLower(fe.Param())
	default:
		msg = fmt.Sprintf("failed %s validation", fe.Tag())
	}
	return apperrors.InvalidArgument(fe.Field(), msg)
}
