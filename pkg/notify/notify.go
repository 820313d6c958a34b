package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/classbook/pkg/observability"
)

// ErrNoRecipient is returned when Send is called with an empty address
var ErrNoRecipient = errors.New("notify: recipient is required")

// Notifier delivers a message to a single recipient
type Notifier interface {
	Send(ctx context.Context, to, content string) error
}

// Message is the payload handed to the messaging service
type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

func newMessage(from, to, content string, now time.Time) Message {
	return Message{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Content: content,
		SentAt:  now.UTC(),
	}
}

// LogNotifier writes messages to the logger instead of delivering them
type LogNotifier struct {
	logger *observability.Logger
	from   string
}

// NewLogNotifier creates a notifier for local runs
func NewLogNotifier(logger *observability.Logger, from string) *LogNotifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogNotifier{logger: logger, from: from}
}

// Send implements Notifier
func (n *LogNotifier) Send(_ context.Context, to, content string) error {
	if to == "" {
		return ErrNoRecipient
	}
	msg := newMessage(n.from, to, content, time.Now())
	n.logger.WithFields(map[string]interface{}{
		"message_id": msg.ID,
		"to":         msg.To,
		"from":       msg.From,
		"content":    msg.Content,
	}).Info("notification")
	return nil
}
