// Package email delivers alert emails over SMTP.
package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RecipientDirectory resolves a user ID to an email address.
type RecipientDirectory interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

// Config configures the SMTP relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Sender implements news.EmailSender over SMTP.
type Sender struct {
	cfg       Config
	directory RecipientDirectory
	send      sendFunc
	now       func() time.Time
	logger    *zap.Logger
}

// New constructs a Sender.
func New(cfg Config, directory RecipientDirectory, logger *zap.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("from address is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("recipient directory is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		cfg:       cfg,
		directory: directory,
		send:      smtp.SendMail,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// SendAlert emails subject and body to the user's registered address.
func (s *Sender) SendAlert(ctx context.Context, userID, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	to, err := s.directory.EmailFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve recipient %s: %w", userID, err)
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, s.cfg.From, []string{to}, s.message(to, subject, body)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", userID, err)
	}
	s.logger.Debug("alert email sent", zap.String("user_id", userID))
	return nil
}

func (s *Sender) message(to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// Noop discards emails. It is used when email delivery is disabled.
type Noop struct{}

// SendAlert does nothing.
func (Noop) SendAlert(context.Context, string, string, string) error {
	return nil
}
