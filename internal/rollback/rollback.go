// Package rollback keeps the compensating actions for forward steps that
// have succeeded, so a failed run can undo them in reverse order.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type Action struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Stack struct {
	mu      sync.Mutex
	actions []Action
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{logger: logger}
}

func (s *Stack) Push(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, Action{Name: name, Fn: fn})
}

// Pop discards the most recent action once its forward step has been undone
// on the success path. It returns false when the top action has another name.
func (s *Stack) Pop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.actions)
	if n == 0 || s.actions[n-1].Name != name {
		return false
	}
	s.actions = s.actions[:n-1]
	return true
}

// Names lists the pending actions, oldest first.
func (s *Stack) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.actions))
	for i, a := range s.actions {
		names[i] = a.Name
	}
	return names
}

// Run executes every action newest first and empties the stack. A failing
// action does not stop the ones below it.
func (s *Stack) Run(ctx context.Context) error {
	s.mu.Lock()
	actions := s.actions
	s.actions = nil
	s.mu.Unlock()

	var errs []error
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		s.logger.Info("Rolling back", "step", a.Name)
		if err := a.Fn(ctx); err != nil {
			s.logger.Error("Rollback step failed", "step", a.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
		}
	}
	return errors.Join(errs...)
}
