package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/metrics"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

const drainTimeout = 2 * time.Second

// Sink receives every event published on the Bus.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event domain.Event) error
}

// Bus fans events out to sinks from a single goroutine. Publish never blocks;
// when the buffer is full the event is dropped and counted.
type Bus struct {
	events chan domain.Event
	sinks  []Sink
	log    zerolog.Logger
}

var _ port.EventPublisher = (*Bus)(nil)

func NewBus(buffer int, log zerolog.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		events: make(chan domain.Event, buffer),
		sinks:  sinks,
		log:    log.With().Str("component", "notify").Logger(),
	}
}

func (b *Bus) Publish(_ context.Context, event domain.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	select {
	case b.events <- event:
	default:
		metrics.EventsDropped.Inc()
		b.log.Warn().Str("type", string(event.Type)).Str("sale_id", event.SaleID).Msg("event buffer full, dropping")
	}
}

// Run delivers events until ctx is cancelled, then flushes what is buffered.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case e := <-b.events:
			b.dispatch(ctx, e)
		case <-ctx.Done():
			b.drain()
			return nil
		}
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case e := <-b.events:
			b.dispatch(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e domain.Event) {
	for _, s := range b.sinks {
		if err := s.Deliver(ctx, e); err != nil {
			b.log.Warn().Err(err).Str("sink", s.Name()).Str("type", string(e.Type)).Str("sale_id", e.SaleID).Msg("event delivery failed")
		}
	}
}
