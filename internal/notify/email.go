package notify

import (
	"context"
	"fmt"
	"html"

	"giftpocket/internal/config"

	"gopkg.in/gomail.v2"
)

// MailSender is satisfied by *gomail.Dialer.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailChannel struct {
	sender MailSender
	from   string
}

func NewEmailChannel(cfg config.SMTPConfig) *EmailChannel {
	return NewEmailChannelWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From)
}

func NewEmailChannelWithSender(sender MailSender, from string) *EmailChannel {
	return &EmailChannel{sender: sender, from: from}
}

func (c *EmailChannel) Name() string {
	return "email"
}

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	if n.Email == "" {
		return ErrSkipped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", n.Email)
	m.SetHeader("Subject", n.Title)
	m.SetBody("text/html", fmt.Sprintf(`
		<h2>%s</h2>
		<p>%s</p>
		<p>The GiftPocket team</p>
	`, html.EscapeString(n.Title), html.EscapeString(n.Message)))

	if err := c.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
