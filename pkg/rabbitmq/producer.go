/**
 * @description
 * This package provides a producer for publishing transfer lifecycle events
 * to RabbitMQ. The coordinator publishes on completion, relay hand-off,
 * reversal, and — most importantly — when a compensation attempt fails,
 * which is the operator-visible alert path for money debited but neither
 * credited nor returned.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/ledgerbridge/transfer-service/internal/domain"
)

// Routing keys for transfer lifecycle events.
const (
	RouteTransferCompleted    = "transfer.completed"
	RouteTransferRelayPending = "transfer.relay.pending"
	RouteTransferReversed     = "transfer.reversed"
	RouteCompensationFailed   = "transfer.compensation.failed"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishTransferEvent(ctx context.Context, routingKey string, event domain.TransferLifecycleEvent) error
	PublishCompensationAlert(ctx context.Context, alert domain.CompensationAlert) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing.
type EventProducer struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// FallbackProducer is a no-op publisher used when RabbitMQ is unavailable at
// startup. Compensation alerts still land in the log at error level so they
// are not lost entirely.
type FallbackProducer struct{}

func (FallbackProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (FallbackProducer) PublishTransferEvent(ctx context.Context, routingKey string, event domain.TransferLifecycleEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"transfer event publish skipped\" routing_key=%s transfer_id=%s", routingKey, event.TransferID)
	return nil
}

func (FallbackProducer) PublishCompensationAlert(ctx context.Context, alert domain.CompensationAlert) error {
	log.Printf("level=error component=rabbitmq_producer mode=fallback msg=\"COMPENSATION ALERT DROPPED FROM BROKER; operator follow-up required\" transfer_id=%s amount=%d detail=%q",
		alert.TransferID, alert.Amount, alert.FailureDetail)
	return nil
}

func (FallbackProducer) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer publishing to the
// given topic exchange.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if exchange == "" {
		exchange = "ledgerbridge.events"
	}
	return &EventProducer{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		if p.conn == nil {
			return err
		}
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	publishing := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}
	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					if err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishTransferEvent publishes a transfer lifecycle event.
func (p *EventProducer) PublishTransferEvent(ctx context.Context, routingKey string, event domain.TransferLifecycleEvent) error {
	return p.Publish(ctx, p.exchange, routingKey, event)
}

// PublishCompensationAlert publishes an operator alert for a failed reversal.
func (p *EventProducer) PublishCompensationAlert(ctx context.Context, alert domain.CompensationAlert) error {
	return p.Publish(ctx, p.exchange, RouteCompensationFailed, alert)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
