package incremental

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"dbsnap/internal/config"
	"dbsnap/internal/consistency"
	"dbsnap/internal/layout"
	"dbsnap/internal/manifest"
	"dbsnap/internal/mysql"
	"dbsnap/internal/rollback"
	"dbsnap/internal/transfer"
)

type Manager struct {
	cfg        *config.Config
	layout     *layout.Layout
	clients    map[string]mysql.Client
	controller *consistency.Controller
	syncer     *transfer.Syncer
	runID      string
	logger     *slog.Logger

	Now func() time.Time
}

func New(cfg *config.Config, l *layout.Layout, clients []mysql.Client, controller *consistency.Controller, syncer *transfer.Syncer, runID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]mysql.Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	return &Manager{
		cfg:        cfg,
		layout:     l,
		clients:    m,
		controller: controller,
		syncer:     syncer,
		runID:      runID,
		logger:     logger,
		Now:        time.Now,
	}
}

// Capture is what one instance's pass produced.
type Capture struct {
	Instance  string
	ActiveLog string
	Segments  []string
	Resume    string
}

type Result struct {
	Set      layout.Set
	Captures []Capture
}

// Run ships the closed binary log segments of every instance into the
// current Backup Set.
func (m *Manager) Run(ctx context.Context) (*Result, error) {
	set, err := m.layout.Current()
	if err != nil {
		return nil, fmt.Errorf("incremental backup needs a full backup first: %w", err)
	}
	if err := set.HasInstances(m.cfg.InstanceNames()); err != nil {
		return nil, err
	}

	if err := m.controller.RecoverStale(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover replication state: %w", err)
	}

	m.logger.Info("Incremental backup started", "set", set.Path)
	res := &Result{Set: set}
	for _, inst := range m.cfg.Instances {
		if ctx.Err() != nil {
			return res, fmt.Errorf("incremental backup cancelled: %w", ctx.Err())
		}
		capture, err := m.captureInstance(ctx, inst, set)
		if err != nil {
			return res, fmt.Errorf("incremental capture of %s failed: %w", inst.Name, err)
		}
		res.Captures = append(res.Captures, *capture)
	}
	m.logger.Info("Incremental backup completed", "set", set.Path, "instances", len(res.Captures))
	return res, nil
}

func (m *Manager) captureInstance(ctx context.Context, inst config.Instance, set layout.Set) (capture *Capture, err error) {
	cl, ok := m.clients[inst.Name]
	if !ok {
		return nil, fmt.Errorf("no connection for instance %s", inst.Name)
	}
	names := []string{inst.Name}

	stack := rollback.New(m.logger)
	defer func() {
		if err != nil {
			if rbErr := stack.Run(context.WithoutCancel(ctx)); rbErr != nil {
				err = fmt.Errorf("%w (rollback incomplete: %v)", err, rbErr)
			}
		}
	}()

	stack.Push("resume replication", m.controller.ReleaseReplication)
	if err := m.controller.StopReplication(ctx, names); err != nil {
		return nil, err
	}

	replica, err := cl.ReplicaStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read slave status: %w", err)
	}
	if err := cl.FlushBinaryLogs(ctx); err != nil {
		return nil, fmt.Errorf("failed to rotate binary logs: %w", err)
	}
	status, err := cl.MasterStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read master status: %w", err)
	}
	active := status.Get("File")

	if err := m.controller.StartReplication(ctx, names); err != nil {
		return nil, err
	}
	stack.Pop("resume replication")

	segments, err := ClosedSegments(inst.LogDir, active)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Binary log rotated", "instance", inst.Name, "active", active, "closedSegments", len(segments))

	if len(segments) > 0 {
		if err := m.syncer.Sync(ctx, inst.LogDir, set.BinlogDir(inst.Name), transfer.Options{Files: segments}); err != nil {
			return nil, err
		}
	}

	capture = &Capture{Instance: inst.Name, ActiveLog: active, Segments: segments}
	if inst.Replica && !replica.Empty() {
		capture.Resume = replica.Position().ResumeStatement()
		if err := m.appendResume(set.ResumeLog(inst.Name), capture.Resume); err != nil {
			return nil, err
		}
	}

	if err := cl.PurgeBinaryLogsTo(ctx, active); err != nil {
		return nil, fmt.Errorf("failed to purge binary logs: %w", err)
	}

	if err := m.record(set, capture); err != nil {
		m.logger.Warn("Failed to record incremental in manifest", "instance", inst.Name, "error", err)
	}
	return capture, nil
}

func (m *Manager) appendResume(path, statement string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open resume log: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "-- %s\n%s\n", m.Now().UTC().Format(time.RFC3339), statement); err != nil {
		return fmt.Errorf("failed to append resume statement: %w", err)
	}
	return f.Sync()
}

func (m *Manager) record(set layout.Set, c *Capture) error {
	if _, err := os.Stat(set.Manifest()); os.IsNotExist(err) {
		return nil
	}
	return manifest.AppendIncremental(set.Manifest(), &manifest.Incremental{
		Datetime:  m.Now().Unix(),
		RunID:     m.runID,
		Instance:  c.Instance,
		ActiveLog: c.ActiveLog,
		Segments:  c.Segments,
	})
}

// ClosedSegments lists the binary log segments in dir that share the active
// log's base name and sort before it. The active log, the index file and
// relay logs are never included.
func ClosedSegments(dir, active string) ([]string, error) {
	base, activeSeq, ok := splitSegment(active)
	if !ok {
		return nil, fmt.Errorf("unexpected binary log name %q", active)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list binary logs: %w", err)
	}

	type seg struct {
		name string
		seq  int
	}
	var found []seg
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.Contains(e.Name(), "relay") {
			continue
		}
		b, seq, ok := splitSegment(e.Name())
		if !ok || b != base || seq >= activeSeq {
			continue
		}
		found = append(found, seg{e.Name(), seq})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	out := make([]string, len(found))
	for i, s := range found {
		out[i] = s.name
	}
	return out, nil
}

// splitSegment splits "mysql-bin.000042" into "mysql-bin" and 42.
func splitSegment(name string) (string, int, bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", 0, false
	}
	seq, err := strconv.Atoi(name[i+1:])
	if err != nil || seq < 0 {
		return "", 0, false
	}
	return name[:i], seq, true
}
