package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/assignment"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/audit"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/events"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/observability"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/snapshot"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/store"
)

const (
	maxBodySize      = 1 << 20
	serviceTraceName = "httpapi"
	requestIDHeader  = "X-Request-ID"
)

var (
	durationOnce      sync.Once
	durationHistogram metric.Int64Histogram
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), r)
	defer span.End()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.repo != nil {
		if err := s.repo.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]string{"status": "unavailable", "error": err.Error()}
		}
	}
	writeJSON(w, status, body)
	s.logRequest(ctx, r, "health check", status, time.Time{})
}

// handleSelection ranks a caller-supplied snapshot. The response depends on
// the body and the configured default criteria only.
func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := startSpan(r.Context(), r)
	defer span.End()

	payload, err := snapshot.Decode(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	criteria := payload.Criteria.Apply(s.criteria)
	attendants := payload.RoutingAttendants()

	decision, err := routing.SelectBestAttendant(attendants, criteria)
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}
	ranked, err := routing.Rank(attendants, criteria)
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	ranking := make([]string, 0, len(ranked))
	for _, attendant := range ranked {
		ranking = append(ranking, attendant.ID)
	}

	span.SetAttributes(
		attribute.String("selection.reason", string(decision.Reason)),
		attribute.String("selection.attendant", decision.AttendantID),
		attribute.Int("selection.considered", decision.Considered),
	)

	writeJSON(w, http.StatusOK, selectionResponse{
		TraceID: span.SpanContext().TraceID().String(),
		Decision: decisionPayload{
			Selected:    decision.Selected,
			AttendantID: decision.AttendantID,
			Reason:      string(decision.Reason),
			Considered:  decision.Considered,
			Eligible:    decision.Eligible,
		},
		Ranking: ranking,
	})

	recordMetrics(ctx, "/api/v1/selections", time.Since(start).Milliseconds(), string(decision.Reason))
	s.logRequest(ctx, r, "selection decision", http.StatusOK, start,
		zap.String("attendantId", decision.AttendantID),
		zap.String("reason", string(decision.Reason)),
		zap.Int("considered", decision.Considered),
	)
}

func (s *Server) handleUpsertAttendant(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := startSpan(r.Context(), r)
	defer span.End()

	org, id := r.PathValue("org"), r.PathValue("id")
	var payload attendantRequest
	if err := readJSON(r, &payload); err != nil {
		s.fail(ctx, w, r, start, invalid(err.Error()))
		return
	}
	if err := payload.Validate(); err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	saved, err := s.repo.UpsertAttendant(ctx, payload.toRouting(org, id))
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	response := attendantResponse{Attendant: snapshot.FromRouting(saved)}
	if saved.Status == routing.StatusOnline {
		response.Drained = s.drain(ctx, org)
	}
	writeJSON(w, http.StatusOK, response)
	s.logRequest(ctx, r, "attendant saved", http.StatusOK, start,
		zap.String("organizationId", org),
		zap.String("attendantId", id),
	)
}

func (s *Server) handleAttendantStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := startSpan(r.Context(), r)
	defer span.End()

	org, id := r.PathValue("org"), r.PathValue("id")
	var payload statusRequest
	if err := readJSON(r, &payload); err != nil {
		s.fail(ctx, w, r, start, invalid(err.Error()))
		return
	}
	if err := payload.Validate(); err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	status := routing.Status(payload.Status)
	if err := s.repo.SetAttendantStatus(ctx, org, id, status); err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	changed := events.AttendantStatusChangedV1{
		OrganizationID: org,
		AttendantID:    id,
		Status:         string(status),
		ChangedAt:      time.Now().UTC(),
	}
	env := events.NewEnvelope(events.AttendantStatusChangedType, changed, correlationID(r), changed.ChangedAt)
	if err := s.publisher.Publish(ctx, events.AttendantStatusChangedType, env); err != nil {
		s.log.Warn("event publish failed", observability.TraceField(ctx), zap.String("type", env.Meta.Type), zap.Error(err))
	}

	response := attendantResponse{}
	if status == routing.StatusOnline {
		response.Drained = s.drain(ctx, org)
	}
	attendant, err := s.repo.GetAttendant(ctx, org, id)
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}
	response.Attendant = snapshot.FromRouting(attendant)

	writeJSON(w, http.StatusOK, response)
	s.logRequest(ctx, r, "attendant status changed", http.StatusOK, start,
		zap.String("organizationId", org),
		zap.String("attendantId", id),
		zap.String("attendantStatus", string(status)),
	)
}

func (s *Server) drain(ctx context.Context, org string) *assignment.Summary {
	if s.requeuer == nil {
		return nil
	}
	summary, err := s.requeuer.DrainOrganization(ctx, org)
	if err != nil {
		s.log.Error("queue drain failed", observability.TraceField(ctx), zap.String("organizationId", org), zap.Error(err))
		return nil
	}
	return &summary
}

// handleCreateConversation stores the conversation and tries to assign it in
// the same request. When the assignment does not happen the conversation
// stays queued for the requeuer and the response is 202.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := startSpan(r.Context(), r)
	defer span.End()

	org := r.PathValue("org")
	var payload conversationRequest
	if err := readJSON(r, &payload); err != nil {
		s.fail(ctx, w, r, start, invalid(err.Error()))
		return
	}
	if err := payload.Validate(); err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	conversation, err := s.repo.CreateConversation(ctx, store.Conversation{
		ID:             payload.ID,
		OrganizationID: org,
		Channel:        payload.Channel,
		ContactID:      payload.ContactID,
		RequiredSkills: payload.RequiredSkills,
	})
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	outcome, err := s.service.AssignConversation(ctx, assignment.Request{
		OrganizationID: org,
		ConversationID: conversation.ID,
		CorrelationID:  correlationID(r),
	})
	if errors.Is(err, assignment.ErrConflictRetriesExhausted) {
		s.log.Warn("assignment deferred to requeue", observability.TraceField(ctx),
			zap.String("conversationId", conversation.ID), zap.Error(err))
		outcome = assignment.Outcome{Queued: true, Attempts: outcome.Attempts}
		err = nil
	}
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	s.respondOutcome(ctx, w, r, start, span, conversation, outcome, http.StatusCreated)
}

func (s *Server) handleAssignConversation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := startSpan(r.Context(), r)
	defer span.End()

	org, id := r.PathValue("org"), r.PathValue("id")
	outcome, err := s.service.AssignConversation(ctx, assignment.Request{
		OrganizationID: org,
		ConversationID: id,
		CorrelationID:  correlationID(r),
	})
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}
	conversation, err := s.repo.GetConversation(ctx, org, id)
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}

	s.respondOutcome(ctx, w, r, start, span, conversation, outcome, http.StatusOK)
}

func (s *Server) respondOutcome(ctx context.Context, w http.ResponseWriter, r *http.Request, start time.Time,
	span trace.Span, conversation store.Conversation, outcome assignment.Outcome, okStatus int) {
	response := conversationResponse{
		TraceID:  span.SpanContext().TraceID().String(),
		Queued:   outcome.Queued,
		Reason:   string(outcome.Reason),
		Attempts: outcome.Attempts,
	}
	status := http.StatusAccepted
	if outcome.Assigned {
		status = okStatus
		conversation.Status = store.ConversationAssigned
		conversation.AssignedAttendantID = outcome.AttendantID
		conversation.UpdatedAt = outcome.Assignment.AssignedAt
		response.Assignment = &assignmentPayload{
			ID:          outcome.Assignment.ID,
			AttendantID: outcome.AttendantID,
			Reason:      outcome.Assignment.Reason,
			AssignedAt:  outcome.Assignment.AssignedAt,
		}
	}
	response.Conversation = conversationFromStore(conversation)

	writeJSON(w, status, response)

	reason := string(outcome.Reason)
	if reason == "" {
		reason = "deferred"
	}
	recordMetrics(ctx, r.Pattern, time.Since(start).Milliseconds(), reason)
	s.logRequest(ctx, r, "assignment outcome", status, start,
		zap.String("organizationId", conversation.OrganizationID),
		zap.String("conversationId", conversation.ID),
		zap.String("attendantId", outcome.AttendantID),
		zap.String("reason", reason),
		zap.Int("attempts", outcome.Attempts),
	)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := startSpan(r.Context(), r)
	defer span.End()

	org, id := r.PathValue("org"), r.PathValue("id")
	conversation, err := s.repo.CloseConversation(ctx, org, id)
	if err != nil {
		s.fail(ctx, w, r, start, err)
		return
	}
	drained := s.drain(ctx, org)

	writeJSON(w, http.StatusOK, struct {
		Conversation conversationPayload `json:"conversation"`
		Drained      *assignment.Summary `json:"drained,omitempty"`
	}{conversationFromStore(conversation), drained})
	s.logRequest(ctx, r, "conversation closed", http.StatusOK, start,
		zap.String("organizationId", org),
		zap.String("conversationId", id),
	)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeJSON(w, http.StatusOK, auditResponse{Entries: []audit.Entry{}})
		return
	}
	query := r.URL.Query()
	limit := parseLimit(query.Get("limit"), 50)
	writeJSON(w, http.StatusOK, auditResponse{Entries: s.auditStore.List(query.Get("organizationId"), limit)})
}

// fail maps domain errors onto HTTP statuses and logs the failure.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	status, message := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, errValidation), errors.Is(err, snapshot.ErrInvalid), errors.Is(err, routing.ErrInvalidCriteria):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrConversationNotQueued), errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, assignment.ErrConflictRetriesExhausted):
		status, message = http.StatusConflict, err.Error()
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, err.Error())
	}

	writeJSON(w, status, errorResponse{Error: message})
	s.logRequest(ctx, r, "request failed", status, start, zap.Error(err))
}

func (s *Server) logRequest(ctx context.Context, r *http.Request, message string, status int, start time.Time, fields ...zap.Field) {
	fields = append(fields,
		observability.TraceField(ctx),
		zap.Int("status", status),
		zap.String("path", r.URL.Path),
		zap.String("method", r.Method),
	)
	if !start.IsZero() {
		durationMs := time.Since(start).Milliseconds()
		fields = append(fields, zap.Int64("durationMs", durationMs))
		if durationMs > s.latencyBudget {
			fields = append(fields, zap.Bool("budgetExceeded", true))
		}
	}

	switch {
	case status >= http.StatusInternalServerError:
		s.log.Error(message, fields...)
	case status >= http.StatusBadRequest:
		s.log.Warn(message, fields...)
	default:
		s.log.Info(message, fields...)
	}
}

func readJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected data after json body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clientIP reads X-Forwarded-For and X-Real-IP only when trustProxy is set;
// otherwise any caller could pick its own address.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			return strings.TrimSpace(parts[0])
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return strings.TrimSpace(realIP)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(requestIDHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func startSpan(ctx context.Context, r *http.Request) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	ctx = propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
	tracer := otel.Tracer(serviceTraceName)
	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	ctx, span := tracer.Start(ctx, route)
	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.route", route),
	)
	return ctx, span
}

func recordMetrics(ctx context.Context, route string, durationMs int64, reason string) {
	duration := getDurationHistogram()
	duration.Record(ctx, durationMs,
		metric.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("assignment.reason", reason),
		),
	)
}

func getDurationHistogram() metric.Int64Histogram {
	durationOnce.Do(func() {
		meter := otel.Meter(serviceTraceName)
		histogram, _ := meter.Int64Histogram("http.server.duration", metric.WithUnit("ms"))
		durationHistogram = histogram
	})
	return durationHistogram
}
