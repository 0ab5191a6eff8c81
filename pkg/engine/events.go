package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// eventSink publishes session events. Publication failures are logged and
// never interrupt the session.
type eventSink struct {
	publisher EventPublisher
	logger    zerolog.Logger
}

func (s eventSink) emit(
	ctx context.Context,
	sessionID, taskID string,
	eventType EventType,
	message string,
	details map[string]interface{},
) {
	if s.publisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		TaskID:    taskID,
		Message:   message,
		Details:   details,
		Level:     eventType.Severity(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to publish event")
	}
}
