package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/events"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/store"
)

func TestDrainOrganizationFillsFreedCapacity(t *testing.T) {
	f := newFixture(t, nil)
	f.attendant(t, "ana", func(a *routing.Attendant) {
		a.Status = routing.StatusOffline
		a.MaxConcurrentChats = 2
	})
	for _, id := range []string{"c1", "c2", "c3"} {
		f.conversation(t, id)
	}
	r := NewRequeuer(f.service, f.store, time.Minute, 10, zap.NewNop())
	ctx := context.Background()

	summary, err := r.DrainOrganization(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Queued: 1}, summary, "stops after the first conversation stays queued")

	require.NoError(t, f.store.SetAttendantStatus(ctx, "acme", "ana", routing.StatusOnline))

	summary, err = r.DrainOrganization(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 3, Assigned: 2, Queued: 1}, summary)

	c1, err := f.store.GetConversation(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationAssigned, c1.Status, "oldest conversations are served first")

	c3, err := f.store.GetConversation(ctx, "acme", "c3")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationQueued, c3.Status)
}

func TestRetryQueuedSpansOrganizations(t *testing.T) {
	f := newFixture(t, nil)
	f.attendant(t, "ana", nil)
	f.conversation(t, "c1")

	_, err := f.store.UpsertAttendant(context.Background(), routing.Attendant{
		ID: "zoe", OrganizationID: "globex", Status: routing.StatusOnline, AutoAcceptEnabled: true, MaxConcurrentChats: 1,
	})
	require.NoError(t, err)
	_, err = f.store.CreateConversation(context.Background(), store.Conversation{ID: "g1", OrganizationID: "globex"})
	require.NoError(t, err)

	r := NewRequeuer(f.service, f.store, time.Minute, 10, zap.NewNop())
	summary, err := r.RetryQueued(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 2, Assigned: 2}, summary)
}

func TestHandleStatusChange(t *testing.T) {
	f := newFixture(t, nil)
	f.attendant(t, "ana", func(a *routing.Attendant) { a.Status = routing.StatusAway })
	f.conversation(t, "c1")
	r := NewRequeuer(f.service, f.store, time.Minute, 10, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, r.HandleStatusChange(ctx, events.AttendantStatusChangedV1{
		OrganizationID: "acme", AttendantID: "ana", Status: string(routing.StatusAway),
	}))
	assert.Empty(t, f.publisher.types(), "non-online transitions do not trigger a drain")

	require.NoError(t, f.store.SetAttendantStatus(ctx, "acme", "ana", routing.StatusOnline))
	require.NoError(t, r.HandleStatusChange(ctx, events.AttendantStatusChangedV1{
		OrganizationID: "acme", AttendantID: "ana", Status: string(routing.StatusOnline),
	}))

	c, err := f.store.GetConversation(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, "ana", c.AssignedAttendantID)
}

func TestRequeuerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.attendant(t, "ana", func(a *routing.Attendant) { a.Status = routing.StatusOffline })
	f.conversation(t, "c1")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := NewRequeuer(f.service, f.store, 5*time.Millisecond, 10, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, f.store.SetAttendantStatus(context.Background(), "acme", "ana", routing.StatusOnline))
	require.Eventually(t, func() bool {
		c, err := f.store.GetConversation(context.Background(), "acme", "c1")
		return err == nil && c.Status == store.ConversationAssigned
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("requeuer did not stop")
	}
}

func TestNewRequeuerDefaults(t *testing.T) {
	r := NewRequeuer(nil, nil, 0, 0, nil)
	assert.Equal(t, 15*time.Second, r.interval)
	assert.Equal(t, 100, r.batch)
	assert.NotNil(t, r.log)
}
