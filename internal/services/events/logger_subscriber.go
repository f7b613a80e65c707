package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/interfaces"
	"github.com/ternarybob/phishwatch/internal/models"
)

// AnalysisEventTypes lists every event the analyzer publishes
var AnalysisEventTypes = []interfaces.EventType{
	interfaces.EventContextClosed,
	interfaces.EventAnalysisStarted,
	interfaces.EventAnalysisCompleted,
	interfaces.EventAnalysisFailed,
	interfaces.EventAnalyzerToggled,
}

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		switch payload := event.Payload.(type) {
		case map[string]interface{}:
			if id, ok := payload["run_id"].(string); ok {
				logEvent = logEvent.Str("run_id", id)
			}
			if id, ok := payload["context_id"].(int64); ok {
				logEvent = logEvent.Int64("context_id", id)
			}
			if url, ok := payload["url"].(string); ok {
				logEvent = logEvent.Str("url", url)
			}
			if enabled, ok := payload["enabled"].(bool); ok {
				logEvent = logEvent.Bool("enabled", enabled)
			}
		case *models.ResultRecord:
			logEvent = logEvent.
				Str("run_id", payload.RunID).
				Int64("context_id", payload.ContextID).
				Str("prediction", payload.Prediction)
		case models.TeardownEvent:
			logEvent = logEvent.Int64("context_id", payload.ContextID)
		}

		logEvent.Msg("Event published")
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to every analysis event type
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range AnalysisEventTypes {
		if _, err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(AnalysisEventTypes)).
		Msg("Logger subscribed to analysis events")

	return nil
}
