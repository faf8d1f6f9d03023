package notification

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photoshare-pipeline/internal/event"
)

// coordinator runs the derived-asset pipeline for a batch of
// storage-creation notifications.
type coordinator interface {
	HandleBatch(ctx context.Context, evt event.Event)
}

// CreatedHandler handles Kafka messages carrying object-storage
// creation events.
type CreatedHandler struct {
	coordinator coordinator
}

// NewCreatedHandler creates a new handler with the given coordinator.
func NewCreatedHandler(c coordinator) *CreatedHandler {
	return &CreatedHandler{coordinator: c}
}

// Handle parses the bucket-notification payload and hands the batch to
// the pipeline. Per-notification failures are resolved inside the
// coordinator; only an unparseable message is an error here.
func (h *CreatedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	evt, err := event.Parse(msg.Value)
	if err != nil {
		return fmt.Errorf("parse notification: %w", err)
	}

	if len(evt.Records) == 0 {
		zlog.Logger.Debug().Msg("notification carries no records")
		return nil
	}

	h.coordinator.HandleBatch(ctx, evt)

	return nil
}
