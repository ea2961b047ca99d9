package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dbsnap/internal/config"
	"dbsnap/internal/consistency"
	"dbsnap/internal/layout"
	"dbsnap/internal/lvm"
	"dbsnap/internal/manifest"
	"dbsnap/internal/mysql"
	"dbsnap/internal/rollback"
	"dbsnap/internal/transfer"
	"dbsnap/internal/verify"
)

// Orchestrator runs one full backup of every configured instance.
type Orchestrator struct {
	cfg        *config.Config
	layout     *layout.Layout
	clients    map[string]mysql.Client
	controller *consistency.Controller
	snapshots  *lvm.Manager
	syncer     *transfer.Syncer
	runID      string
	logger     *slog.Logger

	// Now is overridable in tests.
	Now func() time.Time

	phase Phase
	stack *rollback.Stack
}

type Deps struct {
	Clients    []mysql.Client
	Controller *consistency.Controller
	Snapshots  *lvm.Manager
	Syncer     *transfer.Syncer
}

func New(cfg *config.Config, l *layout.Layout, deps Deps, runID string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	clients := make(map[string]mysql.Client, len(deps.Clients))
	for _, c := range deps.Clients {
		clients[c.Name()] = c
	}
	return &Orchestrator{
		cfg:        cfg,
		layout:     l,
		clients:    clients,
		controller: deps.Controller,
		snapshots:  deps.Snapshots,
		syncer:     deps.Syncer,
		runID:      runID,
		logger:     logger,
		Now:        time.Now,
		phase:      PhaseStart,
	}
}

func (o *Orchestrator) Phase() Phase { return o.phase }

func (o *Orchestrator) enter(p Phase) {
	o.logger.Info("Entering phase", "phase", p.String(), "from", o.phase.String())
	o.phase = p
}

func (o *Orchestrator) snapshotHandle() *lvm.Snapshot {
	return lvm.Handle(o.cfg.Snapshot.VolumeGroup, o.cfg.Snapshot.Name, o.cfg.Snapshot.MountPoint)
}

// Recover clears side effects an interrupted run may have left behind:
// paused replication recorded in the session file and a mounted or existing
// snapshot. Every step is idempotent.
func Recover(ctx context.Context, controller *consistency.Controller, snapshots *lvm.Manager, snap *lvm.Snapshot) error {
	if err := controller.RecoverStale(ctx); err != nil {
		return fmt.Errorf("failed to recover replication state: %w", err)
	}
	if err := snapshots.Teardown(ctx, snap); err != nil {
		return fmt.Errorf("failed to remove leftover snapshot: %w", err)
	}
	if err := snapshots.RemoveMountPoint(snap); err != nil {
		return fmt.Errorf("failed to remove leftover mount point: %w", err)
	}
	return nil
}

type Result struct {
	Set      layout.Set
	Manifest *manifest.Set
}

// Run drives the full backup state machine. On failure every compensating
// action recorded so far runs in reverse order, even when ctx was cancelled,
// and the returned error is a *PhaseError.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("backup cancelled before start: %w", ctx.Err())
	}

	names := o.cfg.InstanceNames()
	start := o.Now()
	stamp := layout.NewStamp(start)
	o.stack = rollback.New(o.logger)
	o.logger.Info("Full backup started", "stamp", stamp.String(), "instances", names)

	if err := Recover(ctx, o.controller, o.snapshots, o.snapshotHandle()); err != nil {
		return nil, err
	}

	staged := o.layout.Staging(stamp)
	if err := layout.SetupDirectories(o.layout.StagingDir(), staged.Path); err != nil {
		return nil, err
	}

	m := &manifest.Set{
		Stamp:    stamp.String(),
		RunID:    o.runID,
		Datetime: start.Unix(),
		System:   manifest.GetSystemInfo(),
		Snapshot: manifest.SnapshotInfo{
			VolumeGroup:   o.cfg.Snapshot.VolumeGroup,
			LogicalVolume: o.cfg.Snapshot.LogicalVolume,
			Name:          o.cfg.Snapshot.Name,
			Size:          o.cfg.Snapshot.Size,
		},
	}
	for _, inst := range o.cfg.Instances {
		m.Instances = append(m.Instances, manifest.Instance{Name: inst.Name, Replica: inst.Replica})
	}

	o.enter(PhasePausing)
	o.stack.Push("resume replication", o.controller.ReleaseReplication)
	if err := o.controller.StopReplication(ctx, names); err != nil {
		return nil, o.fail(ctx, err)
	}

	o.enter(PhaseLocking)
	o.stack.Push("release read locks", o.controller.ReleaseLocks)
	if err := o.controller.Lock(ctx, names); err != nil {
		return nil, o.fail(ctx, err)
	}

	o.enter(PhaseLogRotated)
	for _, name := range names {
		if err := o.rotateLogs(ctx, name, staged, m.Instance(name)); err != nil {
			return nil, o.fail(ctx, err)
		}
	}

	o.enter(PhaseSnapshotting)
	snap, err := o.snapshots.Create(ctx, o.cfg.Snapshot.Size, o.cfg.Snapshot.VolumeGroup, o.cfg.Snapshot.LogicalVolume, o.cfg.Snapshot.Name)
	if err != nil {
		return nil, o.fail(ctx, err)
	}
	o.stack.Push("destroy snapshot", func(ctx context.Context) error {
		return o.snapshots.Destroy(ctx, snap)
	})

	o.enter(PhaseUnlocking)
	if err := o.controller.Unlock(ctx, names); err != nil {
		return nil, o.fail(ctx, err)
	}

	o.enter(PhaseResuming)
	if err := o.controller.StartReplication(ctx, names); err != nil {
		return nil, o.fail(ctx, err)
	}

	o.enter(PhaseMounted)
	o.stack.Push("unmount snapshot", func(ctx context.Context) error {
		return errors.Join(o.snapshots.Unmount(ctx, snap), o.snapshots.RemoveMountPoint(snap))
	})
	if err := o.snapshots.Mount(ctx, snap, o.cfg.Snapshot.MountPoint); err != nil {
		return nil, o.fail(ctx, err)
	}

	o.enter(PhaseCopying)
	if err := o.copyAll(ctx, staged, m); err != nil {
		return nil, o.fail(ctx, err)
	}

	o.enter(PhaseUnmounting)
	if err := o.snapshots.Unmount(ctx, snap); err != nil {
		return nil, o.fail(ctx, err)
	}
	if err := o.snapshots.RemoveMountPoint(snap); err != nil {
		return nil, o.fail(ctx, err)
	}
	o.stack.Pop("unmount snapshot")

	o.enter(PhaseSnapshotDestroyed)
	if err := o.snapshots.Destroy(ctx, snap); err != nil {
		return nil, o.fail(ctx, err)
	}
	o.stack.Pop("destroy snapshot")

	o.enter(PhasePublishing)
	if ctx.Err() != nil {
		return nil, o.fail(ctx, ctx.Err())
	}
	m.Duration = o.Now().Sub(start).Round(time.Second).String()
	if err := manifest.Write(staged.Manifest(), m); err != nil {
		return nil, o.fail(ctx, fmt.Errorf("failed to write manifest: %w", err))
	}
	set, err := o.layout.Publish(staged)
	if err != nil {
		return nil, o.fail(ctx, err)
	}
	if err := o.layout.SetCurrent(set); err != nil {
		return nil, o.fail(ctx, err)
	}

	o.enter(PhaseDone)
	o.logger.Info("Full backup completed", "set", set.Path, "duration", m.Duration)
	return &Result{Set: set, Manifest: m}, nil
}

func (o *Orchestrator) fail(ctx context.Context, err error) error {
	failed := o.phase
	o.logger.Error("Full backup failed", "phase", failed.String(), "error", err, "rollback", o.stack.Names())
	o.phase = PhaseFailed

	rbErr := o.stack.Run(context.WithoutCancel(ctx))
	if rbErr != nil {
		o.logger.Error("Rollback incomplete", "error", rbErr)
	} else {
		o.logger.Info("Rollback completed")
	}
	return &PhaseError{Phase: failed, Err: err, Rollback: rbErr}
}

// rotateLogs fixes the incremental starting point for one instance while it
// is locked: record the active log, rotate, purge up to the new active log,
// and save master/slave status next to the data copy.
func (o *Orchestrator) rotateLogs(ctx context.Context, name string, staged layout.Set, entry *manifest.Instance) error {
	cl, ok := o.clients[name]
	if !ok {
		return fmt.Errorf("no connection for instance %s", name)
	}

	before, err := cl.MasterStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read master status on %s: %w", name, err)
	}
	if err := cl.FlushBinaryLogs(ctx); err != nil {
		return fmt.Errorf("failed to rotate binary logs on %s: %w", name, err)
	}
	after, err := cl.MasterStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read master status on %s: %w", name, err)
	}
	active := after.Get("File")
	o.logger.Info("Binary log rotated", "instance", name, "previous", before.Get("File"), "active", active)

	if err := cl.PurgeBinaryLogsTo(ctx, active); err != nil {
		return fmt.Errorf("failed to purge binary logs on %s: %w", name, err)
	}

	replica, err := cl.ReplicaStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read slave status on %s: %w", name, err)
	}

	dir := staged.InstanceDir(name)
	if err := layout.SetupDirectories(dir, staged.BinlogDir(name)); err != nil {
		return err
	}
	if err := os.WriteFile(staged.MasterStatus(name), []byte(after.Text()), 0o644); err != nil {
		return fmt.Errorf("failed to write master status: %w", err)
	}
	if err := os.WriteFile(staged.SlaveStatus(name), []byte(replica.Text()), 0o644); err != nil {
		return fmt.Errorf("failed to write slave status: %w", err)
	}

	entry.LogFile = active
	if !replica.Empty() {
		pos := replica.Position()
		entry.ReplicaHost = pos.Host
		entry.ReplicaFile = pos.LogFile
		entry.ReplicaPos = pos.LogPos
	}
	return nil
}

func (o *Orchestrator) excludes(inst config.Instance) []string {
	ex := append([]string{}, verify.DefaultExcludes...)
	if inst.Socket != "" {
		base := filepath.Base(inst.Socket)
		ex = append(ex, base, base+".lock")
	}
	return append(ex, o.cfg.Copy.Excludes...)
}

// copyAll copies every instance's data directory out of the mounted
// snapshot and verifies each copy. Instances run with at most
// copy.parallelism in flight; the first failure stops new copies.
func (o *Orchestrator) copyAll(ctx context.Context, staged layout.Set, m *manifest.Set) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Copy.Parallelism)
	var mu sync.Mutex

	for _, inst := range o.cfg.Instances {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, dst, err := o.copyInstance(gctx, inst, staged)
			if err != nil {
				return err
			}

			excludes := o.excludes(inst)
			srcFP, err := verify.FingerprintDir(src, excludes)
			if err != nil {
				return err
			}
			dstFP, err := verify.FingerprintDir(dst, excludes)
			if err != nil {
				return err
			}
			if err := verify.Compare(srcFP, dstFP); err != nil {
				return fmt.Errorf("verification failed for %s: %w", inst.Name, err)
			}
			o.logger.Info("Copy verified", "instance", inst.Name, "files", dstFP.Files, "bytes", dstFP.Bytes, "digest", dstFP.Digest)

			mu.Lock()
			entry := m.Instance(inst.Name)
			entry.Source = *srcFP
			entry.Copy = *dstFP
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) copyInstance(ctx context.Context, inst config.Instance, staged layout.Set) (string, string, error) {
	src, err := o.cfg.SnapshotPath(inst.DataDir)
	if err != nil {
		return "", "", err
	}
	dst := staged.DataDir(inst.Name)
	opts := transfer.Options{Excludes: o.excludes(inst), Delete: true}
	if err := o.syncer.Sync(ctx, src, dst, opts); err != nil {
		return "", "", fmt.Errorf("failed to copy data of %s: %w", inst.Name, err)
	}
	return src, dst, nil
}
