// Package notify delivers best-effort notifications to members. Delivery
// never blocks or fails the operation that triggered it.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"

	mail "github.com/go-mail/mail/v2"

	"docket/api/internal/store"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// Directory resolves member refs to contact details.
type Directory interface {
	GetMembers(ctx context.Context, refs []string) (map[string]store.Member, error)
}

// Sender is satisfied by *mail.Dialer.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Mailer sends one templated email per recipient over SMTP.
type Mailer struct {
	config    Config
	sender    Sender
	directory Directory
}

func NewMailer(config Config, directory Directory) *Mailer {
	d := mail.NewDialer(config.Host, config.Port, config.Username, config.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.TLSConfig = &tls.Config{ServerName: config.Host}
	return &Mailer{config: config, sender: d, directory: directory}
}

// NewMailerWithSender builds a Mailer around an existing transport.
func NewMailerWithSender(config Config, sender Sender, directory Directory) *Mailer {
	return &Mailer{config: config, sender: sender, directory: directory}
}

func (m *Mailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.Port != 0 && m.config.From != ""
}

// Send renders kind for each recipient and delivers it. Recipients without an
// email address are skipped.
func (m *Mailer) Send(ctx context.Context, recipients []string, kind Kind, params map[string]string) error {
	if !m.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(recipients) == 0 {
		return nil
	}
	members, err := m.directory.GetMembers(ctx, recipients)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	messages := make([]*mail.Message, 0, len(recipients))
	for _, ref := range recipients {
		member, ok := members[ref]
		if !ok || member.Email == "" {
			continue
		}
		data := make(map[string]string, len(params)+1)
		for k, v := range params {
			data[k] = v
		}
		data["recipient_name"] = member.DisplayName

		subject, body, err := Render(kind, data)
		if err != nil {
			return err
		}
		msg := mail.NewMessage()
		msg.SetAddressHeader("From", m.config.From, m.config.FromName)
		msg.SetAddressHeader("To", member.Email, member.DisplayName)
		msg.SetHeader("Subject", subject)
		msg.SetBody("text/html", body)
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil
	}
	if err := m.sender.DialAndSend(messages...); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}
