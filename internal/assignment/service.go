package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/audit"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/events"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/observability"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/store"
)

const instrumentationName = "assignment"

var ErrConflictRetriesExhausted = errors.New("assignment conflicts exhausted retries")

// Directory returns the online, auto-accepting attendants of an organization.
type Directory interface {
	ListCandidates(ctx context.Context, organizationID string) ([]routing.Attendant, error)
}

// LoadCounter returns the number of active assignments per attendant.
type LoadCounter interface {
	ActiveLoads(ctx context.Context, organizationID string) (map[string]int, error)
}

// Writer persists an assignment atomically, re-checking capacity.
type Writer interface {
	Assign(ctx context.Context, in store.AssignInput) (store.Assignment, error)
}

type ConversationReader interface {
	GetConversation(ctx context.Context, organizationID, id string) (store.Conversation, error)
}

type Repository interface {
	Directory
	LoadCounter
	Writer
	ConversationReader
}

type Options struct {
	Criteria    routing.Criteria
	MaxAttempts int
	Publisher   events.Publisher
	Audit       *audit.Store
	// Stats, when set, smooths stored response time and satisfaction
	// figures per organization before ranking.
	Stats  *routing.StatsCache
	Logger *zap.Logger
	Now    func() time.Time
}

type Request struct {
	OrganizationID string
	ConversationID string
	CorrelationID  string
}

type Outcome struct {
	Assigned    bool
	Queued      bool
	Reason      routing.Reason
	AttendantID string
	Assignment  store.Assignment
	Attempts    int
	Candidates  int
	Eligible    int
}

// Service runs the fetch, select and persist sequence for one conversation.
// Calls for the same organization are serialized.
type Service struct {
	repo        Repository
	criteria    routing.Criteria
	maxAttempts int
	publisher   events.Publisher
	audit       *audit.Store
	stats       *routing.StatsCache
	log         *zap.Logger
	now         func() time.Time
	locks       *keyedMutex

	decisions metric.Int64Counter
	conflicts metric.Int64Counter
}

func NewService(repo Repository, opts Options) (*Service, error) {
	if err := opts.Criteria.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewFallback(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	meter := otel.Meter(instrumentationName)
	decisions, err := meter.Int64Counter("assignment.decisions", metric.WithDescription("assignment decisions by reason"))
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("assignment.conflicts", metric.WithDescription("write-time capacity conflicts"))
	if err != nil {
		return nil, err
	}

	return &Service{
		repo:        repo,
		criteria:    opts.Criteria,
		maxAttempts: opts.MaxAttempts,
		publisher:   opts.Publisher,
		audit:       opts.Audit,
		stats:       opts.Stats,
		log:         opts.Logger,
		now:         opts.Now,
		locks:       newKeyedMutex(),
		decisions:   decisions,
		conflicts:   conflicts,
	}, nil
}

// AssignConversation tries to hand a queued conversation to the best
// attendant. When nobody is eligible the conversation stays queued and the
// outcome reports why; that is not an error.
func (s *Service) AssignConversation(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "assignment.AssignConversation")
	defer span.End()
	span.SetAttributes(
		attribute.String("organization.id", req.OrganizationID),
		attribute.String("conversation.id", req.ConversationID),
	)

	unlock := s.locks.Lock(req.OrganizationID)
	defer unlock()

	outcome, err := s.assign(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	span.SetAttributes(
		attribute.String("assignment.reason", string(outcome.Reason)),
		attribute.String("assignment.attendant", outcome.AttendantID),
		attribute.Int("assignment.attempts", outcome.Attempts),
	)
	return outcome, nil
}

func (s *Service) assign(ctx context.Context, req Request) (Outcome, error) {
	conversation, err := s.repo.GetConversation(ctx, req.OrganizationID, req.ConversationID)
	if err != nil {
		return Outcome{}, err
	}
	if conversation.Status != store.ConversationQueued {
		return Outcome{}, fmt.Errorf("conversation %s is %s: %w", conversation.ID, conversation.Status, store.ErrConversationNotQueued)
	}

	criteria := s.criteria
	criteria.RequiredSkills = conversation.RequiredSkills

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		candidates, err := s.snapshot(ctx, req.OrganizationID)
		if err != nil {
			return Outcome{}, err
		}

		decision, err := routing.SelectBestAttendant(candidates, criteria)
		if err != nil {
			return Outcome{}, err
		}

		outcome := Outcome{
			Reason:     decision.Reason,
			Attempts:   attempt,
			Candidates: decision.Considered,
			Eligible:   decision.Eligible,
		}

		if !decision.Selected {
			outcome.Queued = true
			s.recordQueued(ctx, req, outcome)
			return outcome, nil
		}

		assignment, err := s.repo.Assign(ctx, store.AssignInput{
			OrganizationID: req.OrganizationID,
			ConversationID: req.ConversationID,
			AttendantID:    decision.AttendantID,
			EffectiveMax:   criteria.EffectiveMax(decision.Attendant),
			Reason:         string(decision.Reason),
		})
		if errors.Is(err, store.ErrCapacityConflict) || errors.Is(err, store.ErrAttendantUnavailable) {
			s.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("organization.id", req.OrganizationID)))
			s.log.Info("assignment conflict, refreshing snapshot",
				observability.TraceField(ctx),
				zap.String("organizationId", req.OrganizationID),
				zap.String("conversationId", req.ConversationID),
				zap.String("attendantId", decision.AttendantID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			return Outcome{}, err
		}

		outcome.Assigned = true
		outcome.AttendantID = decision.AttendantID
		outcome.Assignment = assignment
		s.recordAssigned(ctx, req, outcome)
		return outcome, nil
	}

	return Outcome{Attempts: s.maxAttempts}, fmt.Errorf("conversation %s after %d attempts: %w",
		req.ConversationID, s.maxAttempts, ErrConflictRetriesExhausted)
}

// snapshot fetches candidates and loads concurrently and merges the loads
// into the candidates. Candidates carry the organization they were read
// from, so smoothed figures never cross organizations.
func (s *Service) snapshot(ctx context.Context, organizationID string) ([]routing.Attendant, error) {
	var (
		candidates []routing.Attendant
		loads      map[string]int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		candidates, err = s.repo.ListCandidates(gctx, organizationID)
		return err
	})
	g.Go(func() error {
		var err error
		loads, err = s.repo.ActiveLoads(gctx, organizationID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	for i := range candidates {
		candidates[i].CurrentActiveChatCount = loads[candidates[i].ID]
	}
	if s.stats != nil {
		candidates = s.stats.Merge(candidates, s.now())
	}
	return candidates, nil
}

func (s *Service) recordAssigned(ctx context.Context, req Request, outcome Outcome) {
	s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(outcome.Reason))))
	s.log.Info("conversation assigned",
		observability.TraceField(ctx),
		zap.String("organizationId", req.OrganizationID),
		zap.String("conversationId", req.ConversationID),
		zap.String("attendantId", outcome.AttendantID),
		zap.String("assignmentId", outcome.Assignment.ID),
		zap.Int("attempts", outcome.Attempts),
	)
	s.addAudit(req, outcome)
	s.publish(ctx, req, events.ConversationAssignedType, events.ConversationAssignedV1{
		OrganizationID: req.OrganizationID,
		ConversationID: req.ConversationID,
		AttendantID:    outcome.AttendantID,
		AssignmentID:   outcome.Assignment.ID,
		Reason:         string(outcome.Reason),
		Attempts:       outcome.Attempts,
		AssignedAt:     outcome.Assignment.AssignedAt,
	})
}

func (s *Service) recordQueued(ctx context.Context, req Request, outcome Outcome) {
	s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(outcome.Reason))))
	s.log.Info("conversation left queued",
		observability.TraceField(ctx),
		zap.String("organizationId", req.OrganizationID),
		zap.String("conversationId", req.ConversationID),
		zap.String("reason", string(outcome.Reason)),
		zap.Int("candidates", outcome.Candidates),
	)
	s.addAudit(req, outcome)
	s.publish(ctx, req, events.ConversationQueuedType, events.ConversationQueuedV1{
		OrganizationID: req.OrganizationID,
		ConversationID: req.ConversationID,
		Reason:         string(outcome.Reason),
		Candidates:     outcome.Candidates,
		Eligible:       outcome.Eligible,
		QueuedAt:       s.now(),
	})
}

func (s *Service) addAudit(req Request, outcome Outcome) {
	if s.audit == nil {
		return
	}
	s.audit.Add(audit.Entry{
		Timestamp:      s.now(),
		OrganizationID: req.OrganizationID,
		ConversationID: req.ConversationID,
		AttendantID:    outcome.AttendantID,
		AssignmentID:   outcome.Assignment.ID,
		Reason:         string(outcome.Reason),
		Queued:         outcome.Queued,
		Candidates:     outcome.Candidates,
		Eligible:       outcome.Eligible,
		Attempts:       outcome.Attempts,
	})
}

// publish never fails the assignment: the database is the source of truth
// and consumers can reconcile from it.
func (s *Service) publish(ctx context.Context, req Request, eventType string, data any) {
	env := events.NewEnvelope(eventType, data, req.CorrelationID, s.now())
	if err := s.publisher.Publish(ctx, eventType, env); err != nil {
		s.log.Warn("event publish failed",
			observability.TraceField(ctx),
			zap.String("type", eventType),
			zap.String("conversationId", req.ConversationID),
			zap.Error(err),
		)
	}
}
