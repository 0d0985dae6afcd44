package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// defaultSMTPAddr is used when the deployment does not override the
// relay; the submission port keeps STARTTLS available.
const defaultSMTPAddr = "smtp.gmail.com:587"

// Mail sends alerts over SMTP with plain authentication.
type Mail struct {
	Addr      string // host:port; defaultSMTPAddr when empty
	User      string
	Password  string
	Recipient string

	// send is swapped in tests; production uses smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMail(user, password, recipient string) *Mail {
	return &Mail{User: user, Password: password, Recipient: recipient, send: smtp.SendMail}
}

func (m *Mail) Alert(ctx context.Context, subject, body string) error {
	addr := m.Addr
	if addr == "" {
		addr = defaultSMTPAddr
	}
	host := addr[:strings.LastIndex(addr, ":")]
	auth := smtp.PlainAuth("", m.User, m.Password, host)

	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		m.User, m.Recipient, subject, body,
	))
	sender := m.send
	if sender == nil {
		sender = smtp.SendMail
	}
	if err := sender(addr, auth, m.User, []string{m.Recipient}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
