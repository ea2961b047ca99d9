package runnertest

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dbsnap/internal/runner"
)

// Rsync performs in-process what an rsync invocation built by the transfer
// package would do: copy src/ into dst/ preserving mtimes, honouring
// --exclude, --delete and --files-from=-.
func Rsync(cmd runner.Command) error {
	if cmd.Name != "rsync" || len(cmd.Args) < 2 {
		return fmt.Errorf("not an rsync command: %s", cmd.String())
	}
	src := strings.TrimSuffix(cmd.Args[len(cmd.Args)-2], "/")
	dst := strings.TrimSuffix(cmd.Args[len(cmd.Args)-1], "/")

	var excludes []string
	var del, fromStdin bool
	for _, a := range cmd.Args[:len(cmd.Args)-2] {
		switch {
		case strings.HasPrefix(a, "--exclude="):
			excludes = append(excludes, strings.TrimPrefix(a, "--exclude="))
		case a == "--delete":
			del = true
		case a == "--files-from=-":
			fromStdin = true
		}
	}

	if fromStdin {
		scanner := bufio.NewScanner(cmd.Stdin)
		for scanner.Scan() {
			name := strings.TrimSpace(scanner.Text())
			if name == "" {
				continue
			}
			if err := copyFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
				return err
			}
		}
		return scanner.Err()
	}

	if del {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}
	return CopyTree(src, dst, excludes...)
}

func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// CopyTree copies regular files and directories from src to dst, preserving
// modification times.
func CopyTree(src, dst string, excludes ...string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && excluded(d.Name(), excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
