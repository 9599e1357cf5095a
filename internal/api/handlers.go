package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/hackgods/dental-chat-scheduling/internal/appointment"
	"github.com/hackgods/dental-chat-scheduling/internal/chat"
	"github.com/hackgods/dental-chat-scheduling/internal/validation"
	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

// Scheduler is the part of appointment.Service the API exposes.
type Scheduler interface {
	CheckAvailability(ctx context.Context, req appointment.AvailabilityRequest) (*appointment.AvailabilityResult, error)
	BookAppointment(ctx context.Context, req appointment.BookRequest) (*appointment.AppointmentDetail, error)
	RescheduleAppointment(ctx context.Context, req appointment.RescheduleRequest) (*appointment.AppointmentDetail, error)
	CancelAppointment(ctx context.Context, req appointment.CancelRequest) error
	FindPatientAppointments(ctx context.Context, tenantID, email string, statuses ...appointment.AppointmentStatus) ([]appointment.AppointmentDetail, error)
}

// ChatService handles one conversational turn.
type ChatService interface {
	HandleMessage(ctx context.Context, text string, cc chat.ChatContext) (*chat.ChatResponse, error)
}

const (
	maxBodyBytes = 1 << 20
	defaultActor = "api"
)

type handlers struct {
	scheduler Scheduler
	chat      ChatService
	logger    *logging.Logger
}

func (h *handlers) checkAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := appointment.AvailabilityRequest{
		TenantID:       chi.URLParam(r, "tenantID"),
		Date:           q.Get("date"),
		ServiceType:    q.Get("service_type"),
		PractitionerID: q.Get("practitioner_id"),
		TimeWindow:     q.Get("time_window"),
		Timezone:       q.Get("timezone"),
	}
	if raw := q.Get("duration"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Field: "duration", Details: "must be an integer"})
			return
		}
		req.DurationMinutes = d
	}

	res, err := h.scheduler.CheckAvailability(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var body CreateAppointmentRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	if body.BookedBy == "" {
		body.BookedBy = defaultActor
	}

	detail, err := h.scheduler.BookAppointment(r.Context(), appointment.BookRequest{
		TenantID:        chi.URLParam(r, "tenantID"),
		PatientEmail:    body.PatientEmail,
		PatientName:     body.PatientName,
		PatientPhone:    body.PatientPhone,
		PractitionerID:  body.PractitionerID,
		ServiceType:     body.ServiceType,
		Date:            body.Date,
		Time:            body.Time,
		Timezone:        body.Timezone,
		DurationMinutes: body.DurationMinutes,
		Notes:           body.Notes,
		BookedBy:        body.BookedBy,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*detail))
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	var body RescheduleAppointmentRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	if body.RescheduledBy == "" {
		body.RescheduledBy = defaultActor
	}

	detail, err := h.scheduler.RescheduleAppointment(r.Context(), appointment.RescheduleRequest{
		TenantID:      chi.URLParam(r, "tenantID"),
		AppointmentID: chi.URLParam(r, "appointmentID"),
		NewDate:       body.NewDate,
		NewTime:       body.NewTime,
		Timezone:      body.Timezone,
		RescheduledBy: body.RescheduledBy,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*detail))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	var body CancelAppointmentRequest
	// an empty body is a cancel without a reason
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &body) {
		return
	}
	if body.CancelledBy == "" {
		body.CancelledBy = defaultActor
	}

	err := h.scheduler.CancelAppointment(r.Context(), appointment.CancelRequest{
		TenantID:      chi.URLParam(r, "tenantID"),
		AppointmentID: chi.URLParam(r, "appointmentID"),
		Reason:        body.Reason,
		CancelledBy:   body.CancelledBy,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) findPatientAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statuses, ok := parseStatuses(q["status"])
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Field: "status", Details: "unknown appointment status"})
		return
	}

	found, err := h.scheduler.FindPatientAppointments(r.Context(), chi.URLParam(r, "tenantID"), q.Get("email"), statuses...)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := AppointmentListResponse{Appointments: make([]AppointmentResponse, 0, len(found))}
	for _, d := range found {
		resp.Appointments = append(resp.Appointments, toAppointmentResponse(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseStatuses accepts repeated and comma separated status values.
func parseStatuses(raw []string) ([]appointment.AppointmentStatus, bool) {
	var out []appointment.AppointmentStatus
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s := appointment.AppointmentStatus(part)
			if !s.Valid() {
				return nil, false
			}
			out = append(out, s)
		}
	}
	return out, true
}

func (h *handlers) chatMessage(w http.ResponseWriter, r *http.Request) {
	var body ChatMessageRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}

	resp, err := h.chat.HandleMessage(r.Context(), body.Message, chat.ChatContext{
		TenantID:  body.TenantID,
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Timezone:  body.Timezone,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body", Details: "could not parse JSON"})
		return false
	}
	if fe := validation.Struct(dst); fe != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Field: fe.Field, Details: fe.Message})
		return false
	}
	return true
}

func (h *handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *appointment.ValidationError
		cerr *appointment.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Field: verr.Field, Details: verr.Message})
	case errors.As(err, &cerr):
		writeErrorResponse(w, http.StatusConflict, ErrorResponse{Error: "conflict", Details: "the requested time overlaps an existing appointment", Conflicts: cerr.Conflicts})
	case errors.Is(err, chat.ErrSessionBusy):
		writeErrorResponse(w, http.StatusConflict, ErrorResponse{Error: "session_busy", Details: "a previous message for this session is still being processed"})
	case errors.Is(err, appointment.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, ErrorResponse{Error: notFoundCode(err), Details: err.Error()})
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", GetRequestID(r.Context()), "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Details: "internal server error"})
	}
}

func notFoundCode(err error) string {
	switch {
	case errors.Is(err, appointment.ErrTenantNotFound):
		return "tenant_not_found"
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return "appointment_not_found"
	case errors.Is(err, appointment.ErrPractitionerNotFound):
		return "practitioner_not_found"
	case errors.Is(err, appointment.ErrServiceNotFound):
		return "service_not_found"
	case errors.Is(err, appointment.ErrPatientNotFound):
		return "patient_not_found"
	}
	return "not_found"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
