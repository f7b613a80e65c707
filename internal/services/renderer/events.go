package renderer

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/interfaces"
	"github.com/ternarybob/phishwatch/internal/models"
)

// Closer releases renderer resources held for a context
type Closer interface {
	Close(contextID int64) error
}

// CloseOnTeardown closes the renderer's per-context state whenever a
// context_closed event is published.
func CloseOnTeardown(events interfaces.EventService, r Closer, logger arbor.ILogger) (interfaces.SubscriptionID, error) {
	return events.Subscribe(interfaces.EventContextClosed, func(ctx context.Context, event interfaces.Event) error {
		teardown, ok := event.Payload.(models.TeardownEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
		}
		if err := r.Close(teardown.ContextID); err != nil {
			logger.Warn().Err(err).Int64("context_id", teardown.ContextID).Msg("Failed to close renderer state")
			return err
		}
		return nil
	})
}
