package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"streamcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReconciler(h *harness, prov *mockProvider, lock SweepLock) *Reconciler {
	r := NewReconciler(h.streams, h.lifecycle, prov, h.probe, lock, nil, ReconcilerConfig{
		Interval:      10 * time.Second,
		ProbeTimeout:  time.Second,
		InactiveGrace: 45 * time.Second,
	}, zap.NewNop().Sugar())
	r.now = h.clock.Now
	return r
}

func inactive(lastSeen *time.Time) *domain.IngestActivity {
	return &domain.IngestActivity{Active: false, LastActiveAt: lastSeen}
}

func currentState(t *testing.T, h *harness, id domain.StreamID) domain.StreamState {
	t.Helper()
	s, err := h.streams.GetByID(context.Background(), id)
	require.NoError(t, err)
	return s.State
}

func TestReconciler_EndsAfterGraceWindow(t *testing.T) {
	h := newHarness(t)
	s := h.createLive(t, "silent")
	prov := &mockProvider{}
	prov.On("QueryActivity", mock.Anything, s.ProviderStreamID).Return(inactive(nil), nil)
	r := newTestReconciler(h, prov, nil)
	ctx := context.Background()

	sub, err := h.broker.Subscribe(s.ID)
	require.NoError(t, err)
	defer sub.Close()

	r.SweepOnce(ctx)
	h.clock.Advance(30 * time.Second)
	r.SweepOnce(ctx)
	assert.Equal(t, domain.StateLive, currentState(t, h, s.ID))

	h.clock.Advance(20 * time.Second)
	r.SweepOnce(ctx)
	assert.Equal(t, domain.StateEnded, currentState(t, h, s.ID))

	events := drain(sub)
	require.NotEmpty(t, events)
	assert.Contains(t, string(events[len(events)-1].Payload), domain.EndReasonInactive)
}

func TestReconciler_ProbeFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	s := h.createLive(t, "flaky provider")
	prov := &mockProvider{}
	prov.On("QueryActivity", mock.Anything, s.ProviderStreamID).Return(nil, errors.New("timeout"))
	r := newTestReconciler(h, prov, nil)

	for i := 0; i < 10; i++ {
		r.SweepOnce(context.Background())
		h.clock.Advance(30 * time.Second)
	}
	assert.Equal(t, domain.StateLive, currentState(t, h, s.ID))

	_, err := h.chat.Send(context.Background(), bob, s.ID, "still here")
	assert.NoError(t, err)
}

func TestReconciler_ActivityResetsWindow(t *testing.T) {
	h := newHarness(t)
	s := h.createLive(t, "bursty")
	prov := &mockProvider{}
	r := newTestReconciler(h, prov, nil)
	ctx := context.Background()

	prov.On("QueryActivity", mock.Anything, s.ProviderStreamID).Return(inactive(nil), nil).Once()
	r.SweepOnce(ctx)

	h.clock.Advance(30 * time.Second)
	prov.On("QueryActivity", mock.Anything, s.ProviderStreamID).Return(&domain.IngestActivity{Active: true}, nil).Once()
	r.SweepOnce(ctx)

	h.clock.Advance(10 * time.Second)
	prov.On("QueryActivity", mock.Anything, s.ProviderStreamID).Return(inactive(nil), nil)
	r.SweepOnce(ctx)
	h.clock.Advance(40 * time.Second)
	r.SweepOnce(ctx)

	assert.Equal(t, domain.StateLive, currentState(t, h, s.ID))
	prov.AssertExpectations(t)
}

func TestReconciler_UsesProviderLastSeen(t *testing.T) {
	h := newHarness(t)
	s := h.createLive(t, "dropped")
	prov := &mockProvider{}
	r := newTestReconciler(h, prov, nil)

	h.clock.Advance(5 * time.Minute)
	lastSeen := h.clock.Now().Add(-time.Minute)
	prov.On("QueryActivity", mock.Anything, s.ProviderStreamID).Return(inactive(&lastSeen), nil)

	r.SweepOnce(context.Background())
	assert.Equal(t, domain.StateEnded, currentState(t, h, s.ID))
}

func TestReconciler_FeedsActivityProbe(t *testing.T) {
	h := newHarness(t)
	s := h.createLive(t, "shared")
	h.probe = NewCachedActivityProbe(h.provider, time.Minute, time.Second)
	defer h.probe.Stop()

	prov := &mockProvider{}
	prov.On("QueryActivity", mock.Anything, s.ProviderStreamID).Return(inactive(nil), nil)
	r := newTestReconciler(h, prov, nil)
	r.SweepOnce(context.Background())

	activity, err := h.probe.Probe(context.Background(), s.ProviderStreamID)
	require.NoError(t, err)
	assert.False(t, activity.Active)
}

type stubLock struct {
	held bool
	runs int
}

func (l *stubLock) Do(ctx context.Context, fn func(context.Context)) (bool, error) {
	if l.held {
		return false, nil
	}
	l.runs++
	fn(ctx)
	return true, nil
}

func TestReconciler_SkipsSweepWhenLockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	h.createLive(t, "elsewhere")
	prov := &mockProvider{}
	lock := &stubLock{held: true}
	r := newTestReconciler(h, prov, lock)

	r.tick(context.Background())
	prov.AssertNotCalled(t, "QueryActivity", mock.Anything, mock.Anything)

	lock.held = false
	prov.On("QueryActivity", mock.Anything, mock.Anything).Return(&domain.IngestActivity{Active: true}, nil)
	r.tick(context.Background())
	assert.Equal(t, 1, lock.runs)
	prov.AssertNumberOfCalls(t, "QueryActivity", 1)
}
