package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dbsnap/internal/runner"
)

// Syncer copies directory trees with rsync.
type Syncer struct {
	Runner runner.Runner
	Logger *slog.Logger
}

type Options struct {
	Excludes []string
	// Delete removes files in dst that are absent from src.
	Delete bool
	// Files limits the transfer to these names relative to src.
	Files []string
}

func New(r runner.Runner, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{Runner: r, Logger: logger}
}

// Args builds the rsync argument list. Both directories get a trailing slash
// so the contents of src land directly in dst.
func Args(src, dst string, opts Options) []string {
	args := []string{"-a", "--numeric-ids", "--partial"}
	if opts.Delete {
		args = append(args, "--delete")
	}
	for _, ex := range opts.Excludes {
		args = append(args, "--exclude="+ex)
	}
	if len(opts.Files) > 0 {
		args = append(args, "--files-from=-")
	}
	return append(args, withSlash(src), withSlash(dst))
}

// Sync mirrors src into dst, creating dst first.
func (s *Syncer) Sync(ctx context.Context, src, dst string, opts Options) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("sync source unavailable: %w", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create sync destination: %w", err)
	}

	cmd := runner.Command{Name: "rsync", Args: Args(src, dst, opts)}
	if len(opts.Files) > 0 {
		cmd.Stdin = strings.NewReader(strings.Join(opts.Files, "\n") + "\n")
	}

	s.Logger.Info("Synchronizing directory", "src", src, "dst", dst, "files", len(opts.Files))
	res, err := s.Runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to sync %s: %w", src, err)
	}
	s.Logger.Info("Directory synchronized", "src", src, "duration", res.Duration)
	return nil
}

// CopyFile copies a single regular file with its mode and modification
// time, replacing dst through a temporary file in the same directory.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(tmp.Name(), info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// CopyFiles copies the named files from srcDir to dstDir, skipping names that
// do not exist in srcDir.
func CopyFiles(srcDir, dstDir string, names ...string) error {
	for _, name := range names {
		src := filepath.Join(srcDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := CopyFile(src, filepath.Join(dstDir, name)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", name, err)
		}
	}
	return nil
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
