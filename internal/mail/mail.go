// Package mail delivers outbound transactional email. Three transports are
// supported: direct SMTP, an AMQP queue consumed by a separate delivery
// worker, and a console fallback for local development.
package mail

import (
	"context"
	"log/slog"

	"captionai/internal/util"
)

// Message is a single outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

// Mailer sends messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// ConsoleMailer logs messages instead of delivering them.
// Used when no SMTP or queue transport is configured.
type ConsoleMailer struct{}

func (ConsoleMailer) Send(ctx context.Context, msg Message) error {
	util.LoggerFromContext(ctx).Info(
		"mail_console_delivery",
		slog.String("to", util.MaskEmail(msg.To)),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text),
	)
	return nil
}
