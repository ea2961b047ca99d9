// Package mysqltest provides an in-memory mysql.Client for tests.
package mysqltest

import (
	"context"
	"fmt"
	"sync"

	"dbsnap/internal/mysql"
)

// Fake tracks replication and lock state and records every call. Fail maps a
// method name ("StopReplica", "LockTables", ...) to the error it returns.
type Fake struct {
	InstanceName string
	Fail         map[string]error

	mu             sync.Mutex
	Calls          []string
	ReplicaRunning bool
	Locked         bool
	ActiveLog      int
	Purged         string
	Replica        *mysql.Status
	// OnFlush runs after a successful FlushBinaryLogs with the new active
	// file name, letting tests create the segment on disk.
	OnFlush func(active string)
}

func New(name string) *Fake {
	return &Fake{InstanceName: name, ReplicaRunning: true, ActiveLog: 1, Fail: map[string]error{}}
}

func (f *Fake) call(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, method)
	if err := f.Fail[method]; err != nil {
		return err
	}
	return nil
}

func (f *Fake) LogName(n int) string {
	return fmt.Sprintf("mysql-bin.%06d", n)
}

func (f *Fake) Name() string { return f.InstanceName }

func (f *Fake) StopReplica(ctx context.Context) error {
	if err := f.call("StopReplica"); err != nil {
		return err
	}
	f.mu.Lock()
	f.ReplicaRunning = false
	f.mu.Unlock()
	return nil
}

func (f *Fake) StartReplica(ctx context.Context) error {
	if err := f.call("StartReplica"); err != nil {
		return err
	}
	f.mu.Lock()
	f.ReplicaRunning = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) LockTables(ctx context.Context) error {
	if err := f.call("LockTables"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Locked = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) UnlockTables(ctx context.Context) error {
	if err := f.call("UnlockTables"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Locked = false
	f.mu.Unlock()
	return nil
}

func (f *Fake) FlushBinaryLogs(ctx context.Context) error {
	if err := f.call("FlushBinaryLogs"); err != nil {
		return err
	}
	f.mu.Lock()
	f.ActiveLog++
	active := f.LogName(f.ActiveLog)
	hook := f.OnFlush
	f.mu.Unlock()
	if hook != nil {
		hook(active)
	}
	return nil
}

func (f *Fake) PurgeBinaryLogsTo(ctx context.Context, file string) error {
	if err := f.call("PurgeBinaryLogsTo"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Purged = file
	f.mu.Unlock()
	return nil
}

func (f *Fake) MasterStatus(ctx context.Context) (*mysql.Status, error) {
	if err := f.call("MasterStatus"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mysql.Status{
		Columns: []string{"File", "Position"},
		Values:  map[string]string{"File": f.LogName(f.ActiveLog), "Position": "4"},
	}, nil
}

func (f *Fake) ReplicaStatus(ctx context.Context) (*mysql.Status, error) {
	if err := f.call("ReplicaStatus"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Replica != nil {
		return f.Replica, nil
	}
	return &mysql.Status{Values: map[string]string{}}, nil
}

func (f *Fake) Ping(ctx context.Context) error { return f.call("Ping") }

func (f *Fake) Close() error { return f.call("Close") }

func (f *Fake) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ReplicaRunning
}

func (f *Fake) IsLocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Locked
}

func (f *Fake) Called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == method {
			n++
		}
	}
	return n
}

// Clients converts fakes to the interface slice controllers expect.
func Clients(fakes ...*Fake) []mysql.Client {
	out := make([]mysql.Client, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}
