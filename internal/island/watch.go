package island

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// ErrStopSignal is the cause of the context returned by Watch when the
// Island asked the agent to stop
var ErrStopSignal = errors.New("stop signal received from the island")

type Signaler interface {
	ShouldAgentStop(ctx context.Context, agentID uuid.UUID) (bool, error)
}

// Watch polls the Island every interval, starting immediately. The returned
// context is cancelled with ErrStopSignal once the Island signals stop. The
// returned function stops the polling and cancels the context. Poll failures
// are logged, the agent keeps running.
func Watch(ctx context.Context, s Signaler, agentID uuid.UUID, interval time.Duration) (context.Context, func(), error) {
	ctx, cancel := context.WithCancelCause(ctx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		cancel(err)
		return nil, nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			reqCtx, reqCancel := context.WithTimeout(ctx, max(interval, time.Second))
			defer reqCancel()
			stop, err := s.ShouldAgentStop(reqCtx, agentID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.WarnContext(ctx, "can't poll the stop signal", "error", err)
				return
			}
			if stop {
				slog.InfoContext(ctx, "stop signal received")
				cancel(ErrStopSignal)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel(err)
		_ = scheduler.Shutdown()
		return nil, nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	scheduler.Start()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := scheduler.Shutdown(); err != nil {
				slog.WarnContext(ctx, "can't shutdown the stop signal watcher", "error", err)
			}
			cancel(context.Canceled)
		})
	}
	return ctx, stop, nil
}
