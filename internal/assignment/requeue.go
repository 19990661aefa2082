package assignment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/events"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/store"
)

type QueueLister interface {
	ListQueued(ctx context.Context, limit int) ([]store.Conversation, error)
	ListQueuedByOrganization(ctx context.Context, organizationID string, limit int) ([]store.Conversation, error)
}

// Summary counts what a requeue pass did.
type Summary struct {
	Scanned  int `json:"scanned"`
	Assigned int `json:"assigned"`
	Queued   int `json:"queued"`
	Failed   int `json:"failed"`
}

// Requeuer retries queued conversations, periodically and whenever an
// attendant comes online.
type Requeuer struct {
	service  *Service
	queue    QueueLister
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewRequeuer(service *Service, queue QueueLister, interval time.Duration, batch int, logger *zap.Logger) *Requeuer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Requeuer{
		service:  service,
		queue:    queue,
		interval: interval,
		batch:    batch,
		log:      logger,
	}
}

// Run retries the oldest queued conversations every interval until ctx is
// done.
func (r *Requeuer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := r.RetryQueued(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Error("requeue pass failed", zap.Error(err))
				continue
			}
			if summary.Scanned > 0 {
				r.log.Info("requeue pass",
					zap.Int("scanned", summary.Scanned),
					zap.Int("assigned", summary.Assigned),
					zap.Int("queued", summary.Queued),
					zap.Int("failed", summary.Failed),
				)
			}
		}
	}
}

func (r *Requeuer) RetryQueued(ctx context.Context) (Summary, error) {
	conversations, err := r.queue.ListQueued(ctx, r.batch)
	if err != nil {
		return Summary{}, err
	}
	return r.retry(ctx, conversations), nil
}

// DrainOrganization assigns as many of the organization's queued
// conversations as current capacity allows, oldest first.
func (r *Requeuer) DrainOrganization(ctx context.Context, organizationID string) (Summary, error) {
	conversations, err := r.queue.ListQueuedByOrganization(ctx, organizationID, r.batch)
	if err != nil {
		return Summary{}, err
	}
	return r.retry(ctx, conversations), nil
}

// HandleStatusChange drains the organization's queue when an attendant comes
// online. Other transitions only free capacity through closed conversations.
func (r *Requeuer) HandleStatusChange(ctx context.Context, event events.AttendantStatusChangedV1) error {
	if routing.Status(event.Status) != routing.StatusOnline {
		return nil
	}
	summary, err := r.DrainOrganization(ctx, event.OrganizationID)
	if err != nil {
		return err
	}
	r.log.Info("drained queue after status change",
		zap.String("organizationId", event.OrganizationID),
		zap.String("attendantId", event.AttendantID),
		zap.Int("assigned", summary.Assigned),
		zap.Int("queued", summary.Queued),
	)
	return nil
}

// retry stops trying an organization once one of its conversations stays
// queued: later conversations of the same organization see the same
// snapshot and would stay queued too.
func (r *Requeuer) retry(ctx context.Context, conversations []store.Conversation) Summary {
	var summary Summary
	saturated := make(map[string]bool)

	for _, c := range conversations {
		if ctx.Err() != nil {
			break
		}
		if saturated[c.OrganizationID] {
			continue
		}
		summary.Scanned++

		outcome, err := r.service.AssignConversation(ctx, Request{
			OrganizationID: c.OrganizationID,
			ConversationID: c.ID,
		})
		switch {
		case errors.Is(err, store.ErrConversationNotQueued):
			// assigned or closed since it was listed
		case err != nil:
			summary.Failed++
			r.log.Warn("requeue assignment failed",
				zap.String("organizationId", c.OrganizationID),
				zap.String("conversationId", c.ID),
				zap.Error(err),
			)
		case outcome.Queued:
			summary.Queued++
			saturated[c.OrganizationID] = true
		default:
			summary.Assigned++
		}
	}
	return summary
}
