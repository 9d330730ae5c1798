package island_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/island"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type signaler struct {
	calls  atomic.Int32
	stopAt int32
	err    error
}

func (s *signaler) ShouldAgentStop(_ context.Context, id uuid.UUID) (bool, error) {
	if id != agentID {
		return false, errors.New("unexpected agent id")
	}
	n := s.calls.Add(1)
	if s.err != nil {
		return false, s.err
	}
	return s.stopAt > 0 && n >= s.stopAt, nil
}

func TestWatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := &signaler{stopAt: 3}
	ctx, stop, err := island.Watch(t.Context(), s, agentID, 10*time.Millisecond)
	require.NoError(t, err)
	defer stop()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stop signal not observed")
	}
	require.ErrorIs(t, context.Cause(ctx), island.ErrStopSignal)
	require.GreaterOrEqual(t, s.calls.Load(), int32(3))
	stop()
}

func TestWatchPollErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := &signaler{err: island.ErrConnection}
	ctx, stop, err := island.Watch(t.Context(), s, agentID, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, ctx.Err())

	stop()
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.NotErrorIs(t, context.Cause(ctx), island.ErrStopSignal)
}

func TestWatchParentCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	parent, cancel := context.WithCancel(t.Context())
	ctx, stop, err := island.Watch(parent, &signaler{}, agentID, time.Hour)
	require.NoError(t, err)
	defer stop()

	cancel()
	<-ctx.Done()
	require.ErrorIs(t, context.Cause(ctx), context.Canceled)
}

type sender struct {
	mx     sync.Mutex
	events []island.Event
	calls  int
	err    error
}

func (s *sender) SendEvents(_ context.Context, events []island.Event) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *sender) sent() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.events)
}

func events(n int) []island.Event {
	ret := make([]island.Event, n)
	for i := range ret {
		ret[i] = island.Event{ID: uuid.New(), Type: island.EventPingScan}
	}
	return ret
}

func TestEventBuffer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := &sender{}
	b, err := island.NewEventBuffer(t.Context(), s, 10*time.Millisecond)
	require.NoError(t, err)

	b.Add(events(3)...)
	require.Eventually(t, func() bool { return s.sent() == 3 }, 5*time.Second, 5*time.Millisecond)

	b.Add(events(2)...)
	require.NoError(t, b.Close(t.Context()))
	require.Equal(t, 5, s.sent())
	require.Zero(t, b.Len())
}

func TestEventBufferRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := &sender{err: island.ErrServer}
	b, err := island.NewEventBuffer(t.Context(), s, time.Hour)
	require.NoError(t, err)

	evs := events(4)
	b.Add(evs[:2]...)
	require.ErrorIs(t, b.Flush(t.Context()), island.ErrServer)
	require.Equal(t, 2, b.Len())

	b.Add(evs[2:]...)
	s.mx.Lock()
	s.err = nil
	s.mx.Unlock()
	require.NoError(t, b.Close(t.Context()))
	// order is kept across the failed flush
	require.Equal(t, evs, s.events)
}

func TestEventBufferLimit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := &sender{}
	b, err := island.NewEventBuffer(t.Context(), s, time.Hour)
	require.NoError(t, err)

	evs := events(island.MaxBufferedEvents + 5)
	b.Add(evs...)
	require.Equal(t, island.MaxBufferedEvents, b.Len())
	require.NoError(t, b.Close(t.Context()))
	require.Equal(t, evs[5:], s.events)
	require.Equal(t, 1, s.calls)
}
