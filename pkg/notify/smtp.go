package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPProvider delivers notifications as plain-text email.
type SMTPProvider struct {
	host     string
	port     string
	username string
	password string
	from     string
	auth     smtp.Auth
}

// NewSMTPProvider builds an SMTPProvider against one mail relay.
func NewSMTPProvider(host, port, username, password, from string) *SMTPProvider {
	return &SMTPProvider{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		auth:     smtp.PlainAuth("", username, password, host),
	}
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Send(ctx context.Context, recipient string, msg Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.from)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	addr := p.host + ":" + p.port
	if err := smtp.SendMail(addr, p.auth, p.from, []string{recipient}, []byte(b.String())); err != nil {
		return &TransientError{Op: "smtp send", Err: err}
	}
	return nil
}
