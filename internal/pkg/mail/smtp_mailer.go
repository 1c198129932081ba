package mail

import (
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	gomail "gopkg.in/mail.v2"

	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
)

// Sender delivers a plain text message.
type Sender interface {
	Send(to, subject, body string) error
}

// SMTPSender sends mail through an SMTP relay.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// NewSMTPSenderFromEnv reads the SMTP_* settings.
func NewSMTPSenderFromEnv() *SMTPSender {
	sender := env.GetEnv("SMTP_SENDER", "")
	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", "localhost")
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", sender)
	}
	return &SMTPSender{
		Host:     env.GetEnv("SMTP_HOST", "localhost"),
		Port:     env.GetEnvInt("SMTP_PORT", 587),
		Username: env.GetEnv("SMTP_USERNAME", ""),
		Password: env.GetEnv("SMTP_PASSWORD", ""),
		From:     sender,
	}
}

func (s *SMTPSender) Send(to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	if err := d.DialAndSend(m); err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
		return err
	}
	log.Infof("[Mail] Email sent to %s via %s:%d", to, s.Host, s.Port)
	return nil
}
