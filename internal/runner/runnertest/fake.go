// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"

	"dbsnap/internal/runner"
)

type HandlerFunc func(cmd runner.Command) (*runner.Result, error)

// Fake records every command and answers through Handler, or with an empty
// successful result when Handler is nil.
type Fake struct {
	mu       sync.Mutex
	Commands []runner.Command
	Handler  HandlerFunc
}

func (f *Fake) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	h := f.Handler
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &runner.Result{}, err
	}
	if h == nil {
		return &runner.Result{}, nil
	}
	res, err := h(cmd)
	if res == nil {
		res = &runner.Result{}
	}
	return res, err
}

// Lines returns every recorded command rendered as a single string.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Commands))
	for i, c := range f.Commands {
		out[i] = c.String()
	}
	return out
}

// Count returns how many recorded commands start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, l := range f.Lines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}
