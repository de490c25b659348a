package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/hotwallet-engine/internal/logging"
)

// AMQPBroker is the RabbitMQ-backed Publisher. It owns one connection and
// one channel; publishes are serialized because amqp channels are not safe
// for concurrent use.
type AMQPBroker struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     *amqp.Channel
	logger *logging.Logger
}

// NewAMQPBroker dials the broker and declares the four engine queues.
func NewAMQPBroker(uri string, logger *logging.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close() // nolint:errcheck // cleanup on partial init
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}

	for _, queue := range []string{
		QueueDepositCreation,
		QueueDepositUpdate,
		QueueWithdrawalCreation,
		QueueWithdrawalUpdate,
	} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = conn.Close() // nolint:errcheck // cleanup on partial init
			return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}

	return &AMQPBroker{
		conn:   conn,
		ch:     ch,
		logger: logger.WithField("component", "broker"),
	}, nil
}

// Close shuts down the channel and connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			b.logger.WithError(err).Warn("error closing broker channel")
		}
		b.ch = nil
	}
	return b.conn.Close()
}

// PublishDepositEvent publishes a deposit lifecycle event.
func (b *AMQPBroker) PublishDepositEvent(ctx context.Context, queue string, event DepositEvent) error {
	return b.publish(queue, event)
}

// PublishWithdrawalEvent publishes a withdrawal lifecycle event.
func (b *AMQPBroker) PublishWithdrawalEvent(ctx context.Context, queue string, event WithdrawalEvent) error {
	return b.publish(queue, event)
}

func (b *AMQPBroker) publish(queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", queue, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		return fmt.Errorf("broker channel is closed")
	}
	err = b.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// ConsumeWithdrawalRequests delivers withdrawal_creation messages to handle
// until ctx is cancelled. Every message is acked after handling: runtime
// failures inside handle must come back as ErrTransient to be requeued,
// everything else is treated as a poison message and dropped with a log.
func (b *AMQPBroker) ConsumeWithdrawalRequests(ctx context.Context, handle func(ctx context.Context, req WithdrawalRequest) error) error {
	// consuming uses its own channel so Qos does not affect publishes
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer func() {
		_ = ch.Close() // nolint:errcheck // cleanup in defer
	}()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set consumer qos: %w", err)
	}
	deliveries, err := ch.Consume(QueueWithdrawalCreation, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", QueueWithdrawalCreation, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer channel for %s closed", QueueWithdrawalCreation)
			}
			b.handleDelivery(ctx, delivery, handle)
		}
	}
}

func (b *AMQPBroker) handleDelivery(ctx context.Context, delivery amqp.Delivery, handle func(ctx context.Context, req WithdrawalRequest) error) {
	var req WithdrawalRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		b.logger.WithError(err).Error("dropping malformed withdrawal request")
		_ = delivery.Ack(false) // nolint:errcheck // nothing to do on ack failure
		return
	}

	if err := handle(ctx, req); err != nil {
		if IsTransient(err) {
			b.logger.WithError(err).
				WithField("key", req.Key).
				Warn("requeueing withdrawal request after transient failure")
			_ = delivery.Nack(false, true) // nolint:errcheck // nothing to do on nack failure
			return
		}
		b.logger.WithError(err).
			WithField("key", req.Key).
			Error("dropping unprocessable withdrawal request")
	}
	_ = delivery.Ack(false) // nolint:errcheck // nothing to do on ack failure
}
