package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// SMTPConfig holds the mail relay settings
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers alerts as HTML email
type SMTPSender struct {
	logger   *zap.Logger
	config   SMTPConfig
	template *Template
	sendMail sendMailFunc
}

// NewSMTPSender creates a new SMTP sender. A nil template uses the defaults.
func NewSMTPSender(logger *zap.Logger, config SMTPConfig, tpl *Template) (*SMTPSender, error) {
	if config.Host == "" || config.From == "" {
		return nil, fmt.Errorf("smtp sender requires host and from")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	if tpl == nil {
		var err error
		if tpl, err = NewTemplate("", ""); err != nil {
			return nil, err
		}
	}
	return &SMTPSender{
		logger:   logger.Named("smtp-sender"),
		config:   config,
		template: tpl,
		sendMail: smtp.SendMail,
	}, nil
}

// Send implements Sender. net/smtp has no context support, so the call runs in its own
// goroutine and Send returns when ctx is done.
func (s *SMTPSender) Send(ctx context.Context, recipients []string, payload Payload) error {
	if len(recipients) == 0 {
		return fmt.Errorf("%w: %w", ErrPermanent, ErrNoRecipients)
	}

	msg, err := s.buildMessage(recipients, payload)
	if err != nil {
		return fmt.Errorf("%w: failed to render email: %w", ErrPermanent, err)
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, s.config.From, recipients, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to send email: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
	}

	s.logger.Debug("Email sent",
		zap.String("alert_id", payload.AlertID),
		zap.Int("recipients", len(recipients)))
	return nil
}

func (s *SMTPSender) buildMessage(recipients []string, payload Payload) ([]byte, error) {
	subject, body, err := s.template.Render(payload)
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"X-Alert-ID: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		s.config.From,
		strings.Join(recipients, ", "),
		subject,
		payload.AlertID,
		body)
	return []byte(msg), nil
}
