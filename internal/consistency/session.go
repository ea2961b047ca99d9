package consistency

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

type sessionFile struct {
	Pid    int      `yaml:"pid"`
	RunID  string   `yaml:"run_id"`
	Paused []string `yaml:"paused,omitempty"`
	Locked []string `yaml:"locked,omitempty"`
}

// Session records, per instance, what this run has paused or locked and
// therefore must undo on failure. Entries are cleared the moment the matching
// resume or unlock succeeds. When path is set the state is mirrored to disk so
// a later run can undo what a crashed one left behind.
type Session struct {
	mu    sync.Mutex
	path  string
	state sessionFile
}

func NewSession(path, runID string) *Session {
	return &Session{
		path:  path,
		state: sessionFile{Pid: os.Getpid(), RunID: runID},
	}
}

func (s *Session) Path() string { return s.path }

func (s *Session) MarkPaused(name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Paused = mark(s.state.Paused, name, paused)
	return s.persist()
}

func (s *Session) MarkLocked(name string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Locked = mark(s.state.Locked, name, locked)
	return s.persist()
}

func (s *Session) Paused() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.Paused)
}

func (s *Session) Locked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.Locked)
}

func (s *Session) IsPaused(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.state.Paused, name)
}

func (s *Session) IsLocked(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.state.Locked, name)
}

func (s *Session) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Paused) == 0 && len(s.state.Locked) == 0
}

func mark(list []string, name string, on bool) []string {
	i := slices.Index(list, name)
	switch {
	case on && i < 0:
		return append(list, name)
	case !on && i >= 0:
		return slices.Delete(list, i, i+1)
	}
	return list
}

func (s *Session) persist() error {
	if s.path == "" {
		return nil
	}
	if len(s.state.Paused) == 0 && len(s.state.Locked) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove session state: %w", err)
		}
		return nil
	}
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// loadStale reads a session file left by an earlier process. Returns nil when
// there is none.
func loadStale(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var state sessionFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session state %s: %w", path, err)
	}
	return &state, nil
}

// Pending reports what a session file on disk still lists as paused or
// locked, without touching it.
func Pending(path string) (paused, locked []string, err error) {
	state, err := loadStale(path)
	if err != nil || state == nil {
		return nil, nil, err
	}
	return state.Paused, state.Locked, nil
}
