package island

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// MaxBufferedEvents bounds the events kept while the Island is unreachable,
// the oldest are dropped first
const MaxBufferedEvents = 10_000

type EventSender interface {
	SendEvents(ctx context.Context, events []Event) error
}

// EventBuffer collects events and sends them to the Island periodically
type EventBuffer struct {
	sender    EventSender
	scheduler gocron.Scheduler

	mx      sync.Mutex
	events  []Event
	dropped int
}

// NewEventBuffer starts flushing the buffered events every interval. Close
// must be called to stop it.
func NewEventBuffer(ctx context.Context, sender EventSender, interval time.Duration) (*EventBuffer, error) {
	b := &EventBuffer{sender: sender}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := b.Flush(ctx); err != nil && ctx.Err() == nil {
				slog.WarnContext(ctx, "can't send events", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	b.scheduler = s
	s.Start()
	return b, nil
}

// Add appends the events, it never blocks on the network
func (b *EventBuffer) Add(events ...Event) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.events = append(b.events, events...)
	b.trim()
}

// trim must be called with b.mx held
func (b *EventBuffer) trim() {
	if over := len(b.events) - MaxBufferedEvents; over > 0 {
		b.events = b.events[over:]
		b.dropped += over
	}
}

func (b *EventBuffer) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.events)
}

// Flush sends all buffered events. Events that could not be sent are kept
// for the next flush.
func (b *EventBuffer) Flush(ctx context.Context) error {
	b.mx.Lock()
	events := b.events
	b.events = nil
	dropped := b.dropped
	b.dropped = 0
	b.mx.Unlock()

	if dropped > 0 {
		slog.WarnContext(ctx, "events dropped", "count", dropped)
	}
	if len(events) == 0 {
		return nil
	}
	if err := b.sender.SendEvents(ctx, events); err != nil {
		b.mx.Lock()
		b.events = append(events, b.events...)
		b.trim()
		b.mx.Unlock()
		return err
	}
	slog.DebugContext(ctx, "events sent", "count", len(events))
	return nil
}

// Close stops the periodic flush and sends the remaining events
func (b *EventBuffer) Close(ctx context.Context) error {
	if err := b.scheduler.Shutdown(); err != nil {
		slog.WarnContext(ctx, "can't shutdown the event flush", "error", err)
	}
	return b.Flush(ctx)
}
