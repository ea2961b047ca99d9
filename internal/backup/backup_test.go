package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"dbsnap/internal/config"
	"dbsnap/internal/consistency"
	"dbsnap/internal/layout"
	"dbsnap/internal/lvm"
	"dbsnap/internal/manifest"
	"dbsnap/internal/mysql"
	"dbsnap/internal/mysql/mysqltest"
	"dbsnap/internal/runner"
	"dbsnap/internal/runner/runnertest"
	"dbsnap/internal/transfer"
	"dbsnap/internal/verify"
)

// host simulates LVM, the mount table and rsync on top of temp directories.
// Mounting the snapshot copies the origin tree onto the mount point.
type host struct {
	t          *testing.T
	origin     string
	mountPoint string
	mounts     string

	mu      sync.Mutex
	volumes map[string]bool
	mounted bool

	failCreate error
	failRsync  string
	onCreate   func()
	onMount    func()
	tamper     func(dst string)
}

func newHost(t *testing.T, root string) *host {
	h := &host{
		t:          t,
		origin:     filepath.Join(root, "origin"),
		mountPoint: filepath.Join(root, "mnt", "dbsnap"),
		mounts:     filepath.Join(root, "mounts"),
		volumes:    map[string]bool{"mysql": true},
	}
	require.NoError(t, os.WriteFile(h.mounts, nil, 0o644))
	return h
}

func (h *host) writeMounts() error {
	content := ""
	if h.mounted {
		content = fmt.Sprintf("/dev/mapper/vg0-dbsnap %s ext4 rw,relatime 0 0\n", h.mountPoint)
	}
	return os.WriteFile(h.mounts, []byte(content), 0o644)
}

func (h *host) handle(cmd runner.Command) (*runner.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd.Name {
	case "lvs":
		var b strings.Builder
		for name := range h.volumes {
			fmt.Fprintf(&b, "  %s\n", name)
		}
		return &runner.Result{Stdout: []byte(b.String())}, nil
	case "lvcreate":
		if h.onCreate != nil {
			h.onCreate()
		}
		if h.failCreate != nil {
			return nil, h.failCreate
		}
		h.volumes["dbsnap"] = true
	case "mount":
		if h.onMount != nil {
			h.onMount()
		}
		if err := runnertest.CopyTree(h.origin, h.mountPoint); err != nil {
			return nil, err
		}
		h.mounted = true
		return nil, h.writeMounts()
	case "umount":
		entries, _ := os.ReadDir(h.mountPoint)
		for _, e := range entries {
			os.RemoveAll(filepath.Join(h.mountPoint, e.Name()))
		}
		h.mounted = false
		return nil, h.writeMounts()
	case "lvremove":
		delete(h.volumes, "dbsnap")
	case "rsync":
		if h.failRsync != "" && strings.Contains(cmd.String(), h.failRsync) {
			return nil, &runner.ExitError{Command: cmd.String(), ExitCode: 23, Stderr: "some files could not be transferred"}
		}
		if err := runnertest.Rsync(cmd); err != nil {
			return nil, err
		}
		if h.tamper != nil {
			h.tamper(strings.TrimSuffix(cmd.Args[len(cmd.Args)-1], "/"))
		}
	}
	return nil, nil
}

func (h *host) hasSnapshot() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volumes["dbsnap"]
}

func (h *host) isMounted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mounted
}

type fixture struct {
	cfg     *config.Config
	layout  *layout.Layout
	host    *host
	fake    *runnertest.Fake
	fakes   map[string]*mysqltest.Fake
	session string
}

func newFixture(t *testing.T, names ...string) *fixture {
	root := t.TempDir()
	h := newHost(t, root)
	mtime := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	cfg := &config.Config{
		BaseDir: filepath.Join(root, "backup"),
		MySQL:   config.MySQLConfig{User: "backup"},
		Snapshot: config.SnapshotConfig{
			VolumeGroup:   "vg0",
			LogicalVolume: "mysql",
			Size:          "1G",
			Name:          "dbsnap",
			MountPoint:    h.mountPoint,
			OriginMount:   h.origin,
		},
	}
	fakes := map[string]*mysqltest.Fake{}
	for _, name := range names {
		cfg.Instances = append(cfg.Instances, config.Instance{
			Name:    name,
			Socket:  filepath.Join(h.origin, name, "data", "mysql.sock"),
			DataDir: filepath.Join(h.origin, name, "data"),
			LogDir:  filepath.Join(h.origin, name, "binlog"),
			Replica: true,
		})
		for file, content := range map[string]string{
			"ibdata1":         "tablespace-" + name,
			"shop/orders.ibd": "orders-" + name,
			"mysqld.pid":      "1234",
			"mysql.sock":      "",
			"auto.cnf":        "[auto]\nserver-uuid=" + name,
		} {
			path := filepath.Join(h.origin, name, "data", file)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			require.NoError(t, os.Chtimes(path, mtime, mtime))
		}

		f := mysqltest.New(name)
		f.Replica = replicaStatus()
		fakes[name] = f
	}
	cfg.Copy.Parallelism = 1

	return &fixture{
		cfg:     cfg,
		layout:  layout.New(cfg.BaseDir, ""),
		host:    h,
		fake:    &runnertest.Fake{Handler: h.handle},
		fakes:   fakes,
		session: filepath.Join(cfg.BaseDir, "run", "session.yaml"),
	}
}

func replicaStatus() *mysql.Status {
	return &mysql.Status{
		Columns: []string{"Slave_IO_State", "Master_Host", "Master_User", "Master_Port", "Relay_Master_Log_File", "Exec_Master_Log_Pos"},
		Values: map[string]string{
			"Slave_IO_State":        "Waiting for master to send event",
			"Master_Host":           "10.0.0.5",
			"Master_User":           "repl",
			"Master_Port":           "3306",
			"Relay_Master_Log_File": "mysql-bin.000913",
			"Exec_Master_Log_Pos":   "107",
		},
	}
}

func (f *fixture) orchestrator(now time.Time) *Orchestrator {
	var clients []*mysqltest.Fake
	replicas := map[string]bool{}
	for _, inst := range f.cfg.Instances {
		clients = append(clients, f.fakes[inst.Name])
		replicas[inst.Name] = inst.Replica
	}
	mc := mysqltest.Clients(clients...)

	snaps := lvm.NewManager(f.fake, []string{"rw"}, nil)
	snaps.MountTable = f.host.mounts
	o := New(f.cfg, f.layout, Deps{
		Clients:    mc,
		Controller: consistency.New(mc, replicas, consistency.NewSession(f.session, "run-1"), nil),
		Snapshots:  snaps,
		Syncer:     transfer.New(f.fake, nil),
	}, "run-1", nil)
	o.Now = func() time.Time { return now }
	return o
}

func (f *fixture) assertReleased(t *testing.T) {
	t.Helper()
	for name, fk := range f.fakes {
		assert.True(t, fk.Running(), "replication on %s should be running", name)
		assert.False(t, fk.IsLocked(), "tables on %s should be unlocked", name)
	}
	assert.False(t, f.host.hasSnapshot(), "snapshot should be destroyed")
	assert.False(t, f.host.isMounted(), "snapshot should be unmounted")
	assert.NoDirExists(t, f.host.mountPoint)
	assert.NoFileExists(t, f.session)
}

func TestFullBackup(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	now := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

	var pausedAtSnapshot, releasedAtMount bool
	f.host.onCreate = func() {
		pausedAtSnapshot = true
		for _, fk := range f.fakes {
			pausedAtSnapshot = pausedAtSnapshot && fk.IsLocked() && !fk.Running()
		}
	}
	f.host.onMount = func() {
		releasedAtMount = true
		for _, fk := range f.fakes {
			releasedAtMount = releasedAtMount && !fk.IsLocked() && fk.Running()
		}
	}

	o := f.orchestrator(now)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, o.Phase())
	assert.True(t, pausedAtSnapshot, "every instance must be locked and paused when the snapshot is taken")
	assert.True(t, releasedAtMount, "locks and replication must be released before mounting")

	cur, err := f.layout.Current()
	require.NoError(t, err)
	assert.Equal(t, res.Set, cur)
	assert.Equal(t, "20260302-020000", cur.Stamp.String())

	m, err := manifest.Read(cur.Manifest())
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		srcFP, err := verify.FingerprintDir(filepath.Join(f.host.origin, name, "data"), verify.DefaultExcludes)
		require.NoError(t, err)
		dstFP, err := verify.FingerprintDir(cur.DataDir(name), verify.DefaultExcludes)
		require.NoError(t, err)
		assert.NoError(t, verify.Compare(srcFP, dstFP))

		entry := m.Instance(name)
		require.NotNil(t, entry)
		assert.Equal(t, dstFP.Digest, entry.Copy.Digest)
		assert.Equal(t, "mysql-bin.000002", entry.LogFile)
		assert.Equal(t, "mysql-bin.000002", f.fakes[name].Purged)

		status, err := os.ReadFile(cur.MasterStatus(name))
		require.NoError(t, err)
		assert.Contains(t, string(status), "File: mysql-bin.000002")
		assert.FileExists(t, cur.SlaveStatus(name))
		assert.DirExists(t, cur.BinlogDir(name))
		assert.NoFileExists(t, filepath.Join(cur.DataDir(name), "mysqld.pid"))
		assert.NoFileExists(t, filepath.Join(cur.DataDir(name), "mysql.sock"))
	}

	f.assertReleased(t)
	staged, err := f.layout.StagedSets()
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestSnapshotCreateFailureReleasesEverything(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.host.failCreate = &runner.ExitError{Command: "lvcreate", ExitCode: 5, Stderr: "Volume group \"vg0\" has insufficient free space"}

	o := f.orchestrator(time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC))
	_, err := o.Run(context.Background())

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseSnapshotting, pe.Phase)
	assert.NoError(t, pe.Rollback)
	assert.Equal(t, PhaseFailed, o.Phase())

	f.assertReleased(t)
	_, err = f.layout.Current()
	assert.ErrorIs(t, err, layout.ErrNoCurrent)
}

func TestCopyFailureLeavesCurrentUnchanged(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	_, err := f.orchestrator(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)).Run(context.Background())
	require.NoError(t, err)
	before, err := f.layout.Current()
	require.NoError(t, err)

	f.host.failRsync = filepath.Join(f.host.mountPoint, "b", "data")
	failedAt := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	o := f.orchestrator(failedAt)
	_, err = o.Run(context.Background())

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseCopying, pe.Phase)
	var exitErr *runner.ExitError
	assert.ErrorAs(t, err, &exitErr)

	f.assertReleased(t)

	after, err := f.layout.Current()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	staged := f.layout.Staging(layout.NewStamp(failedAt))
	assert.FileExists(t, filepath.Join(staged.DataDir("a"), "ibdata1"))
	assert.NoDirExists(t, staged.DataDir("c"))
	assert.NoDirExists(t, f.layout.SetDir(layout.NewStamp(failedAt)))
}

func TestLockFailurePartway(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.fakes["b"].Fail["LockTables"] = errors.New("Lock wait timeout exceeded")

	_, err := f.orchestrator(time.Now()).Run(context.Background())

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseLocking, pe.Phase)
	assert.Equal(t, 0, f.fake.Count("lvcreate"))
	assert.Equal(t, 1, f.fakes["a"].Called("UnlockTables"))
	assert.Equal(t, 0, f.fakes["c"].Called("LockTables"))
	f.assertReleased(t)
}

func TestVerificationMismatch(t *testing.T) {
	f := newFixture(t, "a")
	f.host.tamper = func(dst string) {
		os.Remove(filepath.Join(dst, "auto.cnf"))
	}

	_, err := f.orchestrator(time.Now()).Run(context.Background())
	assert.ErrorIs(t, err, verify.ErrMismatch)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseCopying, pe.Phase)
	f.assertReleased(t)
}

func TestCancelledRunStillRollsBack(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	f.host.onMount = cancel

	_, err := f.orchestrator(time.Now()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	f.assertReleased(t)
}

func TestRecoversLeftoversFromCrashedRun(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.host.volumes["dbsnap"] = true
	f.host.mounted = true
	require.NoError(t, os.MkdirAll(f.host.mountPoint, 0o755))
	require.NoError(t, f.host.writeMounts())

	f.fakes["a"].ReplicaRunning = false
	require.NoError(t, os.MkdirAll(filepath.Dir(f.session), 0o755))
	data, err := yaml.Marshal(map[string]any{"pid": 99999, "run_id": "crashed", "paused": []string{"a"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.session, data, 0o644))

	_, err = f.orchestrator(time.Now()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, f.fake.Count("lvremove"))
	assert.Equal(t, 2, f.fake.Count("umount"))
	f.assertReleased(t)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "snapshot-destroyed", PhaseSnapshotDestroyed.String())
	assert.Equal(t, "phase(99)", Phase(99).String())

	err := &PhaseError{Phase: PhaseMounted, Err: errors.New("mount: wrong fs type")}
	assert.Equal(t, "full backup failed during mounted: mount: wrong fs type", err.Error())
}
