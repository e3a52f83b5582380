package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig holds broker settings for queued delivery.
type AMQPConfig struct {
	URL   string
	Queue string
}

// AMQPMailer publishes messages onto a durable queue for an external
// delivery worker. Publishes are persistent so queued mail survives a
// broker restart.
type AMQPMailer struct {
	cfg AMQPConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPMailer validates config; the broker connection is opened lazily
// on first send so the server can boot before the broker is reachable.
func NewAMQPMailer(cfg AMQPConfig) (*AMQPMailer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is required")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = "captionai.mail"
	}
	return &AMQPMailer{cfg: cfg}, nil
}

func (m *AMQPMailer) Send(ctx context.Context, msg Message) error {
	ch, err := m.channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode mail message: %w", err)
	}
	err = ch.PublishWithContext(ctx, "", m.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		m.reset()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Close releases the broker connection.
func (m *AMQPMailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	m.ch = nil
	return err
}

func (m *AMQPMailer) channel() (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil && !m.conn.IsClosed() {
		return m.ch, nil
	}
	conn, err := amqp.Dial(m.cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(m.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	m.conn = conn
	m.ch = ch
	return ch, nil
}

func (m *AMQPMailer) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = nil
	m.ch = nil
}
