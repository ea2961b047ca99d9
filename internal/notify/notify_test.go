package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbsnap/internal/config"
	"dbsnap/internal/runner"
	"dbsnap/internal/runner/runnertest"
)

func TestEmail(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	var gotAuth smtp.Auth

	e := NewEmail(config.EmailConfig{SMTPHost: "mail.example.com", From: "dbsnap@example.com", To: []string{"ops@example.com", "dba@example.com"}})
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, string(msg)
		return nil
	}

	require.NoError(t, e.Notify(context.Background(), "backup failed", "phase: Copying\nerror: boom"))
	assert.Equal(t, "mail.example.com:25", gotAddr)
	assert.Nil(t, gotAuth)
	assert.Equal(t, "dbsnap@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com", "dba@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: backup failed\r\n")
	assert.Contains(t, gotMsg, "To: ops@example.com, dba@example.com\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "phase: Copying\r\nerror: boom"))
}

func TestEmailUsesAuthWithCredentials(t *testing.T) {
	e := NewEmail(config.EmailConfig{SMTPHost: "mail", SMTPPort: 587, Username: "u", Password: "p", From: "f", To: []string{"t"}})
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "mail:587", addr)
		assert.NotNil(t, a)
		return errors.New("535 authentication failed")
	}
	assert.ErrorContains(t, e.Notify(context.Background(), "s", "b"), "failed to send email")
}

func TestCommand(t *testing.T) {
	var stdin string
	fake := &runnertest.Fake{Handler: func(cmd runner.Command) (*runner.Result, error) {
		data, err := io.ReadAll(cmd.Stdin)
		stdin = string(data)
		return nil, err
	}}
	c := &Command{Runner: fake, Argv: []string{"/usr/local/bin/page", "--team", "dba"}}

	require.NoError(t, c.Notify(context.Background(), "full FAILED", "details"))
	assert.Equal(t, []string{"/usr/local/bin/page --team dba full FAILED"}, fake.Lines())
	assert.Equal(t, "details", stdin)
}

type recorder struct {
	subjects []string
	err      error
}

func (r *recorder) Notify(ctx context.Context, subject, body string) error {
	r.subjects = append(r.subjects, subject)
	return r.err
}

func TestMultiDeliversToEverySink(t *testing.T) {
	broken := &recorder{err: errors.New("relay down")}
	ok := &recorder{}

	err := Multi{broken, ok}.Notify(context.Background(), "s", "b")
	assert.ErrorContains(t, err, "relay down")
	assert.Equal(t, []string{"s"}, ok.subjects)
}

func TestFromConfig(t *testing.T) {
	assert.Empty(t, FromConfig(config.NotifyConfig{}, nil))

	m := FromConfig(config.NotifyConfig{
		Email:   &config.EmailConfig{SMTPHost: "mail", From: "f", To: []string{"t"}},
		Command: []string{"logger"},
	}, &runnertest.Fake{})
	require.Len(t, m, 2)
	assert.IsType(t, &Email{}, m[0])
	assert.IsType(t, &Command{}, m[1])
}

func TestReportNeverFails(t *testing.T) {
	r := &recorder{err: errors.New("relay down")}
	Report(context.Background(), r, slog.New(slog.NewTextHandler(io.Discard, nil)), "s", "b")
	Report(context.Background(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)), "s", "b")
	assert.Len(t, r.subjects, 1)
}

func TestSubject(t *testing.T) {
	assert.True(t, strings.HasSuffix(Subject("full", true), " full FAILED"))
	assert.True(t, strings.HasPrefix(Subject("archive", false), "[dbsnap] "))
}
