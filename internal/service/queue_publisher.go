// Package service holds outbound integrations used by the request path.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/course-file-server/internal/queue"
)

// QueuePublisher publishes domain events to RabbitMQ.  Each publish opens
// its own connection, so the publisher holds no broker state between calls.
type QueuePublisher struct {
	URL string
}

func NewQueuePublisher(url string) *QueuePublisher { return &QueuePublisher{URL: url} }

// PublishFileStored publishes ev to the durable file.stored queue as a
// persistent message.  Errors are returned for the caller to log; they
// never undo the upload.
func (p *QueuePublisher) PublishFileStored(ctx context.Context, ev queue.FileStoredEvent) error {
	conn, err := amqp.Dial(p.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	// Idempotent; durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queue.FileStoredQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue.FileStoredQueue, false, false, pub); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}
