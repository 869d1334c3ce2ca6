package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a rendered notification ready for delivery.
type Message struct {
	OrderID      string    `json:"orderId"`
	LogID        string    `json:"logId,omitempty"`
	Channel      string    `json:"channel"`
	To           string    `json:"to"`
	Subject      string    `json:"subject,omitempty"`
	Body         string    `json:"body"`
	TemplateCode string    `json:"templateCode,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Transport delivers notifications.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// PublishChannel is the part of an AMQP channel the transport uses.
type PublishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPTransport publishes notifications to a topic exchange, routed by channel
// (notify.email, notify.sms, ...). Delivery itself belongs to downstream consumers.
type AMQPTransport struct {
	open     func() (PublishChannel, error)
	exchange string
	conn     *amqp.Connection
}

// DialAMQP connects to the broker at url.
func DialAMQP(url, exchange string) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	t := NewAMQPTransport(func() (PublishChannel, error) { return conn.Channel() }, exchange)
	t.conn = conn
	return t, nil
}

// NewAMQPTransport publishes on channels returned by open.
func NewAMQPTransport(open func() (PublishChannel, error), exchange string) *AMQPTransport {
	if exchange == "" {
		exchange = "notifications"
	}
	return &AMQPTransport{open: open, exchange: exchange}
}

func (t *AMQPTransport) Send(ctx context.Context, msg Message) error {
	ch, err := t.open()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = ch.PublishWithContext(ctx, t.exchange, "notify."+msg.Channel, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    msg.OrderID + ":" + msg.LogID + ":" + msg.TemplateCode,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close releases the broker connection when the transport owns one.
func (t *AMQPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
