// Package mailer sends transactional email over SMTP.
package mailer

import (
	"context"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/logctx"
)

type Message struct {
	To      string
	Subject string
	// HTML body.
	Body string
}

type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// New returns an SMTP sender, or a sender that only logs when no SMTP host
// is configured.
func New(cfg *config.Config, log *zap.SugaredLogger) Sender {
	if cfg.SMTP.Host == "" {
		return &LogSender{log: log}
	}
	return &SMTPSender{cfg: cfg.SMTP, dialer: gomail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password)}
}

type SMTPSender struct {
	cfg    config.SMTPConfig
	dialer *gomail.Dialer
}

func (s *SMTPSender) Send(_ context.Context, msg *Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.Body)
	return s.dialer.DialAndSend(m)
}

type LogSender struct {
	log *zap.SugaredLogger
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	logctx.FromCtx(ctx, s.log).Infow("email_skipped_no_smtp", "to", msg.To, "subject", msg.Subject)
	return nil
}
