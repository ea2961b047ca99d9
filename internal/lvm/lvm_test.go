package lvm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbsnap/internal/runner"
	"dbsnap/internal/runner/runnertest"
)

func newTestManager(t *testing.T, volumes string) (*Manager, *runnertest.Fake, string) {
	t.Helper()
	mounts := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mounts, []byte("proc /proc proc rw 0 0\n"), 0o644))

	fake := &runnertest.Fake{Handler: func(cmd runner.Command) (*runner.Result, error) {
		if cmd.Name == "lvs" {
			return &runner.Result{Stdout: []byte(volumes)}, nil
		}
		return nil, nil
	}}
	m := NewManager(fake, []string{"rw", "nouuid"}, nil)
	m.MountTable = mounts
	return m, fake, mounts
}

func TestCreate(t *testing.T) {
	m, fake, _ := newTestManager(t, "  mysql\n  home\n")

	snap, err := m.Create(context.Background(), "10G", "vg0", "mysql", "dbsnap")
	require.NoError(t, err)
	assert.Equal(t, "/dev/vg0/dbsnap", snap.Device())
	assert.Equal(t, []string{
		"lvs --noheadings -o lv_name vg0",
		"lvcreate --snapshot --size 10G --name dbsnap /dev/vg0/mysql",
	}, fake.Lines())
}

func TestCreateRefusesExisting(t *testing.T) {
	m, fake, _ := newTestManager(t, "  mysql\n  dbsnap\n")

	_, err := m.Create(context.Background(), "10G", "vg0", "mysql", "dbsnap")
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, 0, fake.Count("lvcreate"))
}

func TestCreateFailure(t *testing.T) {
	m, fake, _ := newTestManager(t, "  mysql\n")
	fake.Handler = func(cmd runner.Command) (*runner.Result, error) {
		if cmd.Name == "lvcreate" {
			return nil, &runner.ExitError{Command: cmd.String(), ExitCode: 5, Stderr: "Insufficient free space"}
		}
		return nil, nil
	}

	_, err := m.Create(context.Background(), "10G", "vg0", "mysql", "dbsnap")
	assert.ErrorContains(t, err, "failed to create snapshot")
	assert.ErrorContains(t, err, "Insufficient free space")
}

func TestMount(t *testing.T) {
	m, fake, _ := newTestManager(t, "")
	mp := filepath.Join(t.TempDir(), "snap")
	snap := Handle("vg0", "dbsnap", "")

	require.NoError(t, m.Mount(context.Background(), snap, mp))
	assert.DirExists(t, mp)
	assert.Equal(t, mp, snap.MountPoint)
	assert.Equal(t, []string{"mount -o rw,nouuid /dev/vg0/dbsnap " + mp}, fake.Lines())
}

func TestUnmountSkipsWhenNotMounted(t *testing.T) {
	m, fake, _ := newTestManager(t, "")
	snap := Handle("vg0", "dbsnap", "/mnt/dbsnap")

	require.NoError(t, m.Unmount(context.Background(), snap))
	assert.Empty(t, fake.Commands)
}

func TestUnmountWhenMounted(t *testing.T) {
	m, fake, mounts := newTestManager(t, "")
	require.NoError(t, os.WriteFile(mounts, []byte("/dev/mapper/vg0-dbsnap /mnt/db\\040snap xfs rw 0 0\n"), 0o644))
	snap := Handle("vg0", "dbsnap", "/mnt/db snap")

	mounted, err := m.Mounted(snap)
	require.NoError(t, err)
	assert.True(t, mounted)

	require.NoError(t, m.Unmount(context.Background(), snap))
	assert.Equal(t, []string{"umount /mnt/db snap"}, fake.Lines())
}

func TestDestroyIsIdempotent(t *testing.T) {
	m, fake, _ := newTestManager(t, "  mysql\n")
	snap := Handle("vg0", "dbsnap", "")

	require.NoError(t, m.Destroy(context.Background(), snap))
	require.NoError(t, m.Destroy(context.Background(), snap))
	assert.Equal(t, 0, fake.Count("lvremove"))
}

func TestDestroyRemovesExisting(t *testing.T) {
	m, fake, _ := newTestManager(t, "  mysql\n  dbsnap\n")

	require.NoError(t, m.Destroy(context.Background(), Handle("vg0", "dbsnap", "")))
	assert.Equal(t, 1, fake.Count("lvremove -f vg0/dbsnap"))
}

func TestTeardownAttemptsBoth(t *testing.T) {
	m, fake, mounts := newTestManager(t, "  dbsnap\n")
	require.NoError(t, os.WriteFile(mounts, []byte("/dev/mapper/vg0-dbsnap /mnt/dbsnap xfs rw 0 0\n"), 0o644))
	fake.Handler = func(cmd runner.Command) (*runner.Result, error) {
		switch cmd.Name {
		case "lvs":
			return &runner.Result{Stdout: []byte("  dbsnap\n")}, nil
		case "umount":
			return nil, errors.New("target is busy")
		}
		return nil, nil
	}

	err := m.Teardown(context.Background(), Handle("vg0", "dbsnap", "/mnt/dbsnap"))
	assert.ErrorContains(t, err, "target is busy")
	assert.Equal(t, 1, fake.Count("lvremove"))
}

func TestRemoveMountPoint(t *testing.T) {
	m, _, _ := newTestManager(t, "")
	mp := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, os.Mkdir(mp, 0o755))

	require.NoError(t, m.RemoveMountPoint(Handle("vg0", "dbsnap", mp)))
	assert.NoDirExists(t, mp)
	require.NoError(t, m.RemoveMountPoint(Handle("vg0", "dbsnap", mp)))
}

func TestCheckOrigin(t *testing.T) {
	m, _, _ := newTestManager(t, "  mysql\n")

	require.NoError(t, m.CheckOrigin(context.Background(), "vg0", "mysql"))
	assert.ErrorContains(t, m.CheckOrigin(context.Background(), "vg0", "pg"), "not found")
}

func TestUnescapeMount(t *testing.T) {
	assert.Equal(t, "/mnt/plain", unescapeMount("/mnt/plain"))
	assert.Equal(t, "/mnt/a b", unescapeMount(`/mnt/a\040b`))
	assert.Equal(t, `/mnt/x\y`, unescapeMount(`/mnt/x\y`))
}
