// Package notify sends customer-facing notifications. Sending is a secondary
// effect of fulfillment: failures are surfaced for repair, never allowed to
// fail the payment transition.
package notify

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	mail "github.com/wneessen/go-mail"
)

// ErrNotConfigured reports that no mail transport is configured. Callers must
// treat it as "skip without recording": the confirmation effect stays pending
// on the order, so a later run with SMTP configured can still send it.
var ErrNotConfigured = errors.New("mailer not configured")

// Confirmation describes the order confirmation email for a paid order.
type Confirmation struct {
	To      string
	OrderID string
	Amount  decimal.Decimal
}

// Mailer sends order confirmation emails.
type Mailer interface {
	SendConfirmation(ctx context.Context, c Confirmation) error
}

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay using go-mail.
type SMTPMailer struct {
	client *mail.Client
	from   string
}

// NewSMTPMailer creates an SMTPMailer. The client holds the connection
// configuration; connections are dialed per send.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create smtp client")
	}
	return &SMTPMailer{client: client, from: cfg.From}, nil
}

// SendConfirmation sends the order confirmation email.
func (m *SMTPMailer) SendConfirmation(ctx context.Context, c Confirmation) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return errors.Wrap(err, "set from")
	}
	if err := msg.To(c.To); err != nil {
		return errors.Wrap(err, "set to")
	}
	msg.Subject(fmt.Sprintf("Order %s confirmed", c.OrderID))
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Thanks for your order!\n\nOrder %s is confirmed. Total charged: %s.\n",
		c.OrderID, c.Amount.StringFixed(2),
	))

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrap(err, "send confirmation")
	}
	return nil
}

// NopMailer is used when SMTP is not configured. It returns ErrNotConfigured
// rather than pretending to send: a nil error would stamp the confirmation
// effect as done and no later replay could ever deliver the email.
type NopMailer struct{}

func (NopMailer) SendConfirmation(context.Context, Confirmation) error { return ErrNotConfigured }

var (
	_ Mailer = (*SMTPMailer)(nil)
	_ Mailer = NopMailer{}
)
