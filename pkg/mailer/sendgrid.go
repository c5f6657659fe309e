package mailer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// Message is a single outbound email.
type Message struct {
	ToName   string
	ToEmail  string
	Subject  string
	TextBody string
	HTMLBody string
}

// Mailer delivers messages to a recipient.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SendGridMailer delivers mail through the SendGrid v3 API.
type SendGridMailer struct {
	client     *sendgrid.Client
	from       *sgmail.Email
	subjectTag string
}

// NewSendGrid constructs a mailer using the provided API key.
func NewSendGrid(apiKey, fromName, fromEmail, subjectTag string) *SendGridMailer {
	return &SendGridMailer{
		client:     sendgrid.NewSendClient(apiKey),
		from:       sgmail.NewEmail(fromName, fromEmail),
		subjectTag: subjectTag,
	}
}

// Send delivers a single message. The caller decides whether failures matter.
func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	if msg.ToEmail == "" {
		return fmt.Errorf("recipient address required")
	}
	subject := msg.Subject
	if m.subjectTag != "" {
		subject = m.subjectTag + " " + subject
	}
	to := sgmail.NewEmail(msg.ToName, msg.ToEmail)
	text := msg.TextBody
	if text == "" {
		text = " "
	}
	html := msg.HTMLBody
	if html == "" {
		html = "<p>" + text + "</p>"
	}
	message := sgmail.NewSingleEmail(m.from, subject, to, text, html)

	resp, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them. Used in
// development when no SendGrid key is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs the log-only mailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send logs the message and reports success.
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("mail not sent (mailer disabled)",
		zap.String("to", msg.ToEmail),
		zap.String("subject", msg.Subject),
	)
	return nil
}
