package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPDelivery publishes each job as a persistent JSON message to a durable
// queue and waits for the broker's publisher confirm.
type AMQPDelivery struct {
	mu       sync.Mutex
	pub      publisher
	confirms <-chan amqp.Confirmation
	queue    string
	close    func() error
}

func NewAMQPDelivery(conn *amqp.Connection, queue string) (*AMQPDelivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("notify: open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("notify: declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("notify: enable publisher confirms: %w", err)
	}
	d := newAMQPDelivery(ch, ch.NotifyPublish(make(chan amqp.Confirmation, 1)), queue)
	d.close = ch.Close
	return d, nil
}

func newAMQPDelivery(pub publisher, confirms <-chan amqp.Confirmation, queue string) *AMQPDelivery {
	return &AMQPDelivery{pub: pub, confirms: confirms, queue: queue}
}

func (d *AMQPDelivery) Deliver(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: marshal job: %v", ErrPermanent, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID.String(),
		Type:         string(job.Kind),
		Priority:     uint8(min(max(job.Priority, 0), 9)),
		Body:         body,
		Headers:      amqp.Table{"tenant_id": job.TenantID},
	}

	// confirms arrive in publish order, so one publish at a time
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pub.PublishWithContext(ctx, "", d.queue, false, false, msg); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", d.queue, err)
	}
	select {
	case c, ok := <-d.confirms:
		if !ok {
			return errors.New("notify: amqp channel closed before confirm")
		}
		if !c.Ack {
			return fmt.Errorf("notify: broker nacked job %s", job.ID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *AMQPDelivery) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}
