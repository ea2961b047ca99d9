package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbsnap/internal/runner"
	"dbsnap/internal/runner/runnertest"
)

func TestArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "plain",
			want: []string{"-a", "--numeric-ids", "--partial", "/src/", "/dst/"},
		},
		{
			name: "delete and excludes",
			opts: Options{Delete: true, Excludes: []string{"*.pid", "mysql.sock"}},
			want: []string{"-a", "--numeric-ids", "--partial", "--delete", "--exclude=*.pid", "--exclude=mysql.sock", "/src/", "/dst/"},
		},
		{
			name: "file list",
			opts: Options{Files: []string{"mysql-bin.000001"}},
			want: []string{"-a", "--numeric-ids", "--partial", "--files-from=-", "/src/", "/dst/"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Args("/src", "/dst/", tt.opts))
		})
	}
}

func TestSync(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out", "data")

	var stdin string
	fake := &runnertest.Fake{Handler: func(cmd runner.Command) (*runner.Result, error) {
		if cmd.Stdin != nil {
			b, _ := io.ReadAll(cmd.Stdin)
			stdin = string(b)
		}
		return nil, nil
	}}
	s := New(fake, nil)

	err := s.Sync(context.Background(), src, dst, Options{Files: []string{"a", "b"}})
	require.NoError(t, err)
	assert.DirExists(t, dst)
	assert.Equal(t, 1, fake.Count("rsync"))
	assert.Equal(t, "a\nb\n", stdin)
}

func TestSyncMissingSource(t *testing.T) {
	fake := &runnertest.Fake{}
	s := New(fake, nil)

	err := s.Sync(context.Background(), filepath.Join(t.TempDir(), "absent"), t.TempDir(), Options{})
	assert.ErrorContains(t, err, "sync source unavailable")
	assert.Empty(t, fake.Commands)
}

func TestSyncFailure(t *testing.T) {
	fake := &runnertest.Fake{Handler: func(cmd runner.Command) (*runner.Result, error) {
		return nil, errors.New("rsync exited with status 23")
	}}
	s := New(fake, nil)

	err := s.Sync(context.Background(), t.TempDir(), t.TempDir(), Options{})
	assert.ErrorContains(t, err, "status 23")
}

func TestCopyFiles(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "nested")
	require.NoError(t, os.WriteFile(filepath.Join(src, "master_status.txt"), []byte("File: mysql-bin.000002\n"), 0o640))
	mtime := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "master_status.txt"), mtime, mtime))

	require.NoError(t, CopyFiles(src, dst, "master_status.txt", "slave_status.txt"))

	data, err := os.ReadFile(filepath.Join(dst, "master_status.txt"))
	require.NoError(t, err)
	assert.Equal(t, "File: mysql-bin.000002\n", string(data))
	assert.NoFileExists(t, filepath.Join(dst, "slave_status.txt"))

	info, err := os.Stat(filepath.Join(dst, "master_status.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime))
}
