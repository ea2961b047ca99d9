package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin io.Reader
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExitError reports a command that ran but exited nonzero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

const stderrTail = 512

// Exec runs commands on the local host.
type Exec struct {
	Logger *slog.Logger
}

func (e *Exec) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Exec) Run(ctx context.Context, cmd Command) (*Result, error) {
	e.logger().Info("Running command", "cmd", cmd.String())

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if ctx.Err() != nil {
				return res, fmt.Errorf("%s interrupted: %w", cmd.Name, ctx.Err())
			}
			e.logger().Error("Command failed", "cmd", cmd.String(), "exitCode", res.ExitCode, "stderr", tail(res.Stderr))
			return res, &ExitError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: tail(res.Stderr)}
		}
		e.logger().Error("Command could not be started", "cmd", cmd.String(), "error", err)
		return res, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
	}

	e.logger().Debug("Command finished", "cmd", cmd.Name, "duration", res.Duration)
	return res, nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
