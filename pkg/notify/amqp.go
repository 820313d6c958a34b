package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/platinummonkey/classbook/pkg/observability"
)

// channel is the subset of *amqp.Channel used for publishing
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes messages as JSON to a RabbitMQ topic exchange
type AMQPNotifier struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	ch         channel
	exchange   string
	routingKey string
	from       string
	logger     *observability.Logger
	now        func() time.Time
}

// AMQPConfig configures an AMQPNotifier
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	From       string
}

// NewAMQPNotifier dials RabbitMQ and declares the exchange
func NewAMQPNotifier(cfg AMQPConfig, logger *observability.Logger) (*AMQPNotifier, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	n, err := newAMQPNotifier(ch, cfg, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch channel, cfg AMQPConfig, logger *observability.Logger) (*AMQPNotifier, error) {
	if cfg.Exchange == "" {
		return nil, errors.New("notify: exchange is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPNotifier{
		ch:         ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		from:       cfg.From,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Send implements Notifier
func (n *AMQPNotifier) Send(ctx context.Context, to, content string) error {
	if to == "" {
		return ErrNoRecipient
	}
	msg := newMessage(n.from, to, content, n.now())
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.ch.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.SentAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.WithFields(map[string]interface{}{
		"message_id":  msg.ID,
		"exchange":    n.exchange,
		"routing_key": n.routingKey,
	}).Debug("published notification")
	return nil
}

// Close closes the channel and connection
func (n *AMQPNotifier) Close() error {
	var errs []error
	if n.ch != nil {
		if err := n.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if clean == "" {
		return "", errors.New("notify: amqp url is required")
	}
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}
