package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
	"time"

	"dbsnap/internal/config"
	"dbsnap/internal/runner"
)

// Notifier delivers a subject and body to whoever watches the backups.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Email struct {
	cfg      config.EmailConfig
	sendMail SendMailFunc
}

func NewEmail(cfg config.EmailConfig) *Email {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 25
	}
	return &Email{cfg: cfg, sendMail: smtp.SendMail}
}

func (e *Email) Notify(ctx context.Context, subject, body string) error {
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)
	if err := e.sendMail(addr, auth, e.cfg.From, e.cfg.To, e.message(subject, body)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (e *Email) message(subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// Command runs an external program with the subject as its last argument and
// the body on stdin.
type Command struct {
	Runner runner.Runner
	Argv   []string
}

func (c *Command) Notify(ctx context.Context, subject, body string) error {
	if len(c.Argv) == 0 {
		return errors.New("notify command is empty")
	}
	args := append(append([]string{}, c.Argv[1:]...), subject)
	_, err := c.Runner.Run(ctx, runner.Command{Name: c.Argv[0], Args: args, Stdin: strings.NewReader(body)})
	return err
}

type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the configured sinks. An empty Multi is valid and
// delivers nothing.
func FromConfig(cfg config.NotifyConfig, r runner.Runner) Multi {
	var m Multi
	if cfg.Email != nil {
		m = append(m, NewEmail(*cfg.Email))
	}
	if len(cfg.Command) > 0 {
		m = append(m, &Command{Runner: r, Argv: cfg.Command})
	}
	return m
}

// Report sends the notification. Delivery failures are logged, never
// returned.
func Report(ctx context.Context, n Notifier, logger *slog.Logger, subject, body string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, subject, body); err != nil {
		logger.Warn("Failed to send notification", "subject", subject, "error", err)
	}
}

// Subject renders "[dbsnap] <host> <command> <outcome>".
func Subject(command string, failed bool) string {
	host, _ := os.Hostname()
	outcome := "succeeded"
	if failed {
		outcome = "FAILED"
	}
	return fmt.Sprintf("[dbsnap] %s %s %s", host, command, outcome)
}
