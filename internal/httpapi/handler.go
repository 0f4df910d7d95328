package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"qms/visit-service/internal/hub"
	"qms/visit-service/internal/lifecycle"
	"qms/visit-service/internal/metrics"
	"qms/visit-service/internal/models"
	"qms/visit-service/internal/registry"
	"qms/visit-service/internal/store"

	"github.com/rs/zerolog"
)

const (
	maxPatientAge    = 150
	maxSymptoms      = 32
	maxSymptomLength = 200
	maxAuditLimit    = 500
)

// VisitService is the part of lifecycle.Service the transport drives.
type VisitService interface {
	CheckIn(ctx context.Context, input lifecycle.CheckInInput) (models.Visit, error)
	Transition(ctx context.Context, input lifecycle.TransitionInput) (models.Visit, error)
	GetVisit(ctx context.Context, visitID string) (models.Visit, bool, error)
	RestoreVisit(ctx context.Context, visitID, restoreToken string) (models.Visit, error)
	GetDepartmentQueue(ctx context.Context, departmentID string) (models.QueueSnapshot, error)
}

type AuditLister interface {
	List(ctx context.Context, limit int) ([]models.AuditEvent, error)
}

type Subscriptions interface {
	Subscribe(departmentID string) *hub.Client
	Unsubscribe(client *hub.Client)
	Prime(client *hub.Client, snapshot models.QueueSnapshot) error
}

type DepartmentLister interface {
	List() []registry.Department
}

type Deps struct {
	Service       VisitService
	Audit         AuditLister
	Subscriptions Subscriptions
	Departments   DepartmentLister
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

type Handler struct {
	service       VisitService
	audit         AuditLister
	subscriptions Subscriptions
	departments   DepartmentLister
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

type checkInRequest struct {
	PatientName  string   `json:"patient_name"`
	Age          int      `json:"age"`
	Symptoms     []string `json:"symptoms"`
	RestoreToken string   `json:"restore_token"`
}

type transitionRequest struct {
	ToState          models.State `json:"to_state"`
	ExpectedVersion  int64        `json:"expected_version"`
	PrescriptionText *string      `json:"prescription_text"`
}

type restoreRequest struct {
	RestoreToken string `json:"restore_token"`
}

type errorResponse struct {
	TraceID string        `json:"trace_id"`
	Error   responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		service:       deps.Service,
		audit:         deps.Audit,
		subscriptions: deps.Subscriptions,
		departments:   deps.Departments,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", h.metrics.Handler())
	mux.HandleFunc("GET /api/departments", h.handleDepartments)
	mux.HandleFunc("POST /api/departments/{id}/checkin", h.handleCheckIn)
	mux.HandleFunc("GET /api/departments/{id}/queue", h.handleQueue)
	mux.HandleFunc("GET /api/departments/{id}/queue/stream", h.handleQueueStream)
	mux.HandleFunc("GET /api/visits/{id}", h.handleGetVisit)
	mux.HandleFunc("POST /api/visits/{id}/transition", h.handleTransition)
	mux.HandleFunc("POST /api/visits/{id}/restore", h.handleRestore)
	mux.HandleFunc("GET /api/audit", h.handleAudit)
	if h.subscriptions != nil {
		mux.Handle("/realtime/", h.RealtimeHandler())
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	departments := []registry.Department{}
	if h.departments != nil {
		departments = h.departments.List()
	}
	writeJSON(w, http.StatusOK, departments)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	traceID := TraceIDFromContext(r.Context())
	departmentID := strings.TrimSpace(r.PathValue("id"))
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		writeError(w, traceID, http.StatusBadRequest, "invalid_request", "Idempotency-Key header is required")
		return
	}

	var req checkInRequest
	if !decodeJSON(w, r, traceID, &req) {
		return
	}
	if msg := validateCheckIn(&req); msg != "" {
		writeError(w, traceID, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	visit, err := h.service.CheckIn(r.Context(), lifecycle.CheckInInput{
		DepartmentID:   departmentID,
		PatientName:    req.PatientName,
		Age:            req.Age,
		Symptoms:       req.Symptoms,
		RestoreToken:   req.RestoreToken,
		IdempotencyKey: idempotencyKey,
		TraceID:        traceID,
	})
	if err != nil {
		h.writeServiceError(w, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func validateCheckIn(req *checkInRequest) string {
	req.PatientName = strings.TrimSpace(req.PatientName)
	if req.PatientName == "" {
		return "patient_name is required"
	}
	if req.Age < 0 || req.Age > maxPatientAge {
		return "age must be between 0 and 150"
	}
	if len(req.Symptoms) > maxSymptoms {
		return "too many symptoms"
	}
	symptoms := make([]string, 0, len(req.Symptoms))
	for _, symptom := range req.Symptoms {
		symptom = strings.TrimSpace(symptom)
		if symptom == "" {
			return "symptoms must not contain empty values"
		}
		if len(symptom) > maxSymptomLength {
			return "symptom is too long"
		}
		symptoms = append(symptoms, symptom)
	}
	req.Symptoms = symptoms
	return ""
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	traceID := TraceIDFromContext(r.Context())
	actor, ok := requireStaffActor(w, r, traceID)
	if !ok {
		return
	}

	var req transitionRequest
	if !decodeJSON(w, r, traceID, &req) {
		return
	}
	if !req.ToState.Valid() {
		writeError(w, traceID, http.StatusBadRequest, "invalid_request", "to_state is not a known state")
		return
	}
	if req.ExpectedVersion <= 0 {
		writeError(w, traceID, http.StatusBadRequest, "invalid_request", "expected_version must be positive")
		return
	}

	visit, err := h.service.Transition(r.Context(), lifecycle.TransitionInput{
		VisitID:          r.PathValue("id"),
		To:               req.ToState,
		Actor:            actor,
		ExpectedVersion:  req.ExpectedVersion,
		TraceID:          traceID,
		PrescriptionText: req.PrescriptionText,
	})
	if err != nil {
		h.writeServiceError(w, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) handleGetVisit(w http.ResponseWriter, r *http.Request) {
	traceID := TraceIDFromContext(r.Context())
	visit, found, err := h.service.GetVisit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, traceID, err)
		return
	}
	if !found {
		h.writeServiceError(w, traceID, store.ErrVisitNotFound)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	traceID := TraceIDFromContext(r.Context())
	var req restoreRequest
	if !decodeJSON(w, r, traceID, &req) {
		return
	}
	if strings.TrimSpace(req.RestoreToken) == "" {
		writeError(w, traceID, http.StatusBadRequest, "invalid_request", "restore_token is required")
		return
	}
	visit, err := h.service.RestoreVisit(r.Context(), r.PathValue("id"), req.RestoreToken)
	if err != nil {
		h.writeServiceError(w, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	traceID := TraceIDFromContext(r.Context())
	snapshot, err := h.service.GetDepartmentQueue(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	traceID := TraceIDFromContext(r.Context())
	if _, ok := requireStaffActor(w, r, traceID); !ok {
		return
	}
	if h.audit == nil {
		writeJSON(w, http.StatusOK, []models.AuditEvent{})
		return
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, traceID, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	events, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, traceID, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, traceID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("trace_id", traceID).Msg("request failed")
	}
	writeError(w, traceID, status, code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, traceID string, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, traceID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, store.ErrVisitNotFound):
		return http.StatusNotFound, "visit_not_found", "visit not found"
	case errors.As(err, &invalid):
		return http.StatusConflict, "invalid_transition", invalid.Error()
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "visit state does not allow this transition"
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "version_conflict", "visit was modified concurrently; re-fetch and retry"
	case errors.Is(err, lifecycle.ErrDoctorRequired):
		return http.StatusConflict, "doctor_required", "a doctor must be assigned before entering this state"
	case errors.Is(err, store.ErrRequestInProgress):
		return http.StatusConflict, "request_in_progress", "a request with this idempotency key is still in progress"
	case errors.Is(err, store.ErrInvalidDepartment):
		return http.StatusBadRequest, "invalid_department", "unknown department"
	case errors.Is(err, lifecycle.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, "invalid_request", "Idempotency-Key header is required"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, traceID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		TraceID: traceID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
