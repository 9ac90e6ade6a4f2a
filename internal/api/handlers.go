package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"probooking/internal/apperrors"
	"probooking/internal/export"
	"probooking/internal/models"
	"probooking/internal/service"

	"github.com/julienschmidt/httprouter"
)

const dateLayout = "2006-01-02"

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ models.Actor) {
	proID, err := pathID(ps, "proID")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if dateStr == "" {
		s.writeAppError(w, r, apperrors.InvalidArgument("date", "is required"))
		return
	}
	date, err := time.Parse(dateLayout, dateStr)
	if err != nil {
		s.writeAppError(w, r, apperrors.InvalidArgument("date", "invalid date format; expected YYYY-MM-DD"))
		return
	}

	duration := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("duration")); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil {
			s.writeAppError(w, r, apperrors.InvalidArgument("duration", "must be a number of minutes"))
			return
		}
	}
	if duration == 0 {
		if duration, err = s.svc.Bookings.DefaultDuration(r.Context(), proID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
	}

	slots, err := s.svc.Bookings.ComputeSlots(r.Context(), proID, date, duration)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pro_id":   proID,
		"date":     dateStr,
		"duration": duration,
		"slots":    slots,
	})
}

func (s *HTTPServer) handleGetSettings(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	proID, err := pathID(ps, "proID")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	settings, err := s.svc.Settings.GetSettings(r.Context(), proID, actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	proID, err := pathID(ps, "proID")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body models.BookingSettings
	if err := s.decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	saved, err := s.svc.Settings.UpdateSettings(r.Context(), proID, &body, actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *HTTPServer) handleListProBookings(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	proID, err := pathID(ps, "proID")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	bookings, err := s.svc.Bookings.ListProBookings(r.Context(), proID, from, to, actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request, _ httprouter.Params, actor models.Actor) {
	var body createBookingRequest
	if err := s.decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	switch actor.Role {
	case models.RoleCustomer:
		if body.StudentID == 0 {
			body.StudentID = actor.ID
		}
		if body.StudentID != actor.ID {
			s.writeAppError(w, r, apperrors.Unauthorized("customers book for themselves only"))
			return
		}
	case models.RoleAdmin:
		if body.StudentID == 0 {
			s.writeAppError(w, r, apperrors.InvalidArgument("student_id", "is required"))
			return
		}
	default:
		s.writeAppError(w, r, apperrors.Unauthorized("only customers and admins create bookings"))
		return
	}

	if !s.withinBookingQuota(w, r, body.StudentID) {
		return
	}

	booking, err := s.svc.Bookings.CreateBooking(r.Context(), service.CreateBookingRequest{
		ProID:     body.ProID,
		StudentID: body.StudentID,
		Start:     body.Start,
		End:       body.End,
		Amount:    body.Amount,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

// withinBookingQuota enforces the per-student creation quota. Store failures
// do not block bookings.
func (s *HTTPServer) withinBookingQuota(w http.ResponseWriter, r *http.Request, studentID int64) bool {
	quota := s.cfg.BookingQuota
	if quota.Limit <= 0 || s.svc.Requests == nil {
		return true
	}
	window := quota.Window
	if window <= 0 {
		window = time.Hour
	}

	allowed, err := s.svc.Requests.CheckRateLimit(r.Context(), fmt.Sprintf("booking_quota:%d", studentID), quota.Limit, window)
	if err != nil {
		s.logger.Warn().Err(err).Int64("student_id", studentID).Msg("Booking quota check failed, allowing request")
		return true
	}
	if !allowed {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error: "booking quota exceeded, try again later",
			Code:  "RATE_LIMITED",
		})
		return false
	}
	return true
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	booking, err := s.svc.Bookings.GetBooking(r.Context(), id, actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body transitionRequest
	if err := s.decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	target := models.BookingStatus(strings.ToLower(strings.TrimSpace(body.TargetStatus)))
	booking, err := s.svc.Bookings.Transition(r.Context(), id, target, actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleConfirmPayment(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body paymentRequest
	if err := s.decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	booking, err := s.svc.Bookings.ConfirmPayment(r.Context(), id, body.PaidAmount, actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleGetDispute(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	dispute, err := s.svc.Disputes.GetDispute(r.Context(), id, actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

func (s *HTTPServer) handleDisputeLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	logs, err := s.svc.Disputes.GetDisputeLogs(r.Context(), id, actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.DisputeLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type disputeAction func(ctx context.Context, bookingID int64, actor models.Actor, message string) (*models.Dispute, error)

func (s *HTTPServer) disputeMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor, action disputeAction, created bool) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body messageRequest
	if err := s.decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	dispute, err := action(r.Context(), id, actor, body.Message)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, dispute)
}

func (s *HTTPServer) handleOpenDispute(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	s.disputeMessage(w, r, ps, actor, s.svc.Disputes.Open, true)
}

func (s *HTTPServer) handleRespondDispute(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	s.disputeMessage(w, r, ps, actor, s.svc.Disputes.Respond, false)
}

func (s *HTTPServer) handleEscalateDispute(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	s.disputeMessage(w, r, ps, actor, s.svc.Disputes.Escalate, false)
}

func (s *HTTPServer) handleResolveDispute(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body resolveRequest
	if err := s.decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	dispute, err := s.svc.Disputes.Resolve(r.Context(), id, actor, models.DisputeStatus(body.Resolution), body.Notes, body.RefundAmount)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

func (s *HTTPServer) handleRequestRefund(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body refundRequest
	if err := s.decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	refund, err := s.svc.Refunds.RequestRefund(r.Context(), id, actor, body.Amount, body.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (s *HTTPServer) handleProcessRefund(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor) {
	id, err := pathID(ps, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body processRefundRequest
	if err := s.decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	refund, err := s.svc.Refunds.ProcessRefund(r.Context(), id, actor, *body.Amount)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

// handleExportDisputes streams the audit workbook for the inclusive date range.
func (s *HTTPServer) handleExportDisputes(w http.ResponseWriter, r *http.Request, _ httprouter.Params, actor models.Actor) {
	if !actor.IsAdmin() {
		s.writeAppError(w, r, apperrors.Unauthorized("export requires an admin"))
		return
	}
	if s.svc.Exporter == nil {
		writeError(w, http.StatusNotFound, "export is not configured")
		return
	}

	from, err := queryDate(r, "from")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	lastDay, err := queryDate(r, "to")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	to := lastDay.AddDate(0, 0, 1)
	if !from.Before(to) {
		s.writeAppError(w, r, apperrors.InvalidArgument("to", "must not be before from"))
		return
	}

	var buf bytes.Buffer
	if err := s.svc.Exporter.Write(r.Context(), &buf, from, to); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(from, lastDay)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func pathID(ps httprouter.Params, name string) (int64, error) {
	id, err := strconv.ParseInt(ps.ByName(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.InvalidArgument(name, "must be a positive integer")
	}
	return id, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates (UTC midnight).
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, apperrors.InvalidArgument(name, "is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	return time.Time{}, apperrors.InvalidArgument(name, "expected RFC 3339 time or YYYY-MM-DD")
}

func queryDate(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, apperrors.InvalidArgument(name, "is required")
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, apperrors.InvalidArgument(name, "invalid date format; expected YYYY-MM-DD")
	}
	return t, nil
}
