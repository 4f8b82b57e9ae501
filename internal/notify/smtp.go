package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/pkg/errors"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTP sends plain-text mail through a relay.
type SMTP struct {
	config SMTPConfig
	logger *zap.Logger
}

// NewSMTP creates an SMTP notifier. Connections are opened per message.
func NewSMTP(config SMTPConfig, logger *zap.Logger) *SMTP {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTP{config: config, logger: logger}
}

func (s *SMTP) message(subject, body string, recipients []string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.config.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)
	return m, nil
}

// Send implements Notifier.
func (s *SMTP) Send(ctx context.Context, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return errors.InvalidInput("no recipients")
	}
	m, err := s.message(subject, body, recipients)
	if err != nil {
		return errors.InvalidInput(err.Error())
	}

	opts := []mail.Option{
		mail.WithPort(s.config.Port),
		mail.WithTimeout(s.config.Timeout),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if s.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.config.Username),
			mail.WithPassword(s.config.Password),
		)
	}

	client, err := mail.NewClient(s.config.Host, opts...)
	if err != nil {
		return errors.NotificationFailed(err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return errors.NotificationFailed(err)
	}

	s.logger.Info("Email sent",
		zap.String("subject", subject),
		zap.Int("recipients", len(recipients)),
	)
	return nil
}
