package check

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbsnap/internal/config"
	"dbsnap/internal/layout"
	"dbsnap/internal/lvm"
	"dbsnap/internal/mysql/mysqltest"
	"dbsnap/internal/remote"
	"dbsnap/internal/runner"
	"dbsnap/internal/runner/runnertest"
)

type stubBackend struct {
	remote.Backend
	err error
}

func (s stubBackend) VerifyCredentials(ctx context.Context) error { return s.err }

func setup(t *testing.T, volumes string) (*config.Config, *layout.Layout, *lvm.Manager) {
	t.Helper()
	cfg := &config.Config{BaseDir: t.TempDir()}
	cfg.Snapshot = config.SnapshotConfig{VolumeGroup: "vg0", LogicalVolume: "mysql", Name: "dbsnap", MountPoint: "/mnt/dbsnap"}
	cfg.S3.Bucket = "backups"

	fake := &runnertest.Fake{Handler: func(cmd runner.Command) (*runner.Result, error) {
		return &runner.Result{Stdout: []byte(volumes)}, nil
	}}
	return cfg, layout.New(cfg.BaseDir, ""), lvm.NewManager(fake, nil, nil)
}

func allTools(string) (string, error) { return "/usr/bin/tool", nil }

func TestRunPasses(t *testing.T) {
	cfg, l, snaps := setup(t, "  mysql\n")
	var out bytes.Buffer

	err := Run(context.Background(), &out, cfg, l, Deps{
		Snapshots: snaps,
		Clients:   mysqltest.Clients(mysqltest.New("a"), mysqltest.New("b")),
		Backend:   stubBackend{},
		LookPath:  allTools,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "logical volume vg0/mysql: OK")
	assert.Contains(t, out.String(), "instance b: OK")
	assert.Contains(t, out.String(), "S3 bucket backups: OK")
	assert.Contains(t, out.String(), "all checks passed")
	assert.DirExists(t, l.RunDir())
}

func TestRunReportsEveryFailure(t *testing.T) {
	cfg, l, snaps := setup(t, "  home\n  dbsnap\n")
	b := mysqltest.New("b")
	b.Fail["Ping"] = errors.New("access denied")
	var out bytes.Buffer

	err := Run(context.Background(), &out, cfg, l, Deps{
		Snapshots: snaps,
		Clients:   mysqltest.Clients(mysqltest.New("a"), b),
		Backend:   stubBackend{err: errors.New("403 Forbidden")},
		LookPath: func(name string) (string, error) {
			if name == "rsync" {
				return "", exec.ErrNotFound
			}
			return "/sbin/" + name, nil
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrNotFound)

	text := out.String()
	assert.Contains(t, text, "tool rsync: FAILED")
	assert.Contains(t, text, "logical volume vg0/mysql: FAILED")
	assert.Contains(t, text, "snapshot name dbsnap: FAILED")
	assert.Contains(t, text, "instance a: OK")
	assert.Contains(t, text, "instance b: FAILED (access denied)")
	assert.Contains(t, text, "S3 bucket backups: FAILED")
	assert.NotContains(t, text, "all checks passed")
}
