// Package mailer is the email gateway wrapper plus everything that shapes
// outbound mail: built-in and merchant templates, branding, open/click
// tracking instrumentation and server-side HTML sanitization.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// Message is one outbound email. RefID carries the merchant id into the
// gateway's X-Entity-Ref-ID header so deliveries are attributable.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	RefID   string
}

// Mailer sends through the Resend gateway.
type Mailer struct {
	client *resend.Client
	from   string
}

// New builds a mailer with the gateway credential and the From header.
func New(apiKey, from string) *Mailer {
	return &Mailer{client: resend.NewClient(apiKey), from: from}
}

// Send hands the message to the gateway and returns the gateway's id.
func (m *Mailer) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", errors.New("mailer: recipient must not be empty")
	}
	req := &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		Headers: map[string]string{"X-Entity-Ref-ID": msg.RefID},
	}
	sent, err := m.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mailer: send: %w", err)
	}
	return sent.Id, nil
}
