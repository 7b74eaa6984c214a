package port

import (
	"context"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
)

// EventPublisher is fire-and-forget: implementations must not block the caller
// and must not report delivery failures.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event)
}
