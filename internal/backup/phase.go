package backup

import "fmt"

type Phase int

const (
	PhaseStart Phase = iota
	PhasePausing
	PhaseLocking
	PhaseLogRotated
	PhaseSnapshotting
	PhaseUnlocking
	PhaseResuming
	PhaseMounted
	PhaseCopying
	PhaseUnmounting
	PhaseSnapshotDestroyed
	PhasePublishing
	PhaseDone
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseStart:             "start",
	PhasePausing:           "pausing",
	PhaseLocking:           "locking",
	PhaseLogRotated:        "log-rotated",
	PhaseSnapshotting:      "snapshotting",
	PhaseUnlocking:         "unlocking",
	PhaseResuming:          "resuming",
	PhaseMounted:           "mounted",
	PhaseCopying:           "copying",
	PhaseUnmounting:        "unmounting",
	PhaseSnapshotDestroyed: "snapshot-destroyed",
	PhasePublishing:        "publishing",
	PhaseDone:              "done",
	PhaseFailed:            "failed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// PhaseError is returned by a failed run. Rollback holds the joined errors of
// compensating actions that themselves failed.
type PhaseError struct {
	Phase    Phase
	Err      error
	Rollback error
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("full backup failed during %s: %v", e.Phase, e.Err)
	if e.Rollback != nil {
		msg += fmt.Sprintf(" (rollback incomplete: %v)", e.Rollback)
	}
	return msg
}

func (e *PhaseError) Unwrap() error { return e.Err }
