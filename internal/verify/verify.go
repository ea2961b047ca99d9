package verify

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

var ErrMismatch = errors.New("fingerprint mismatch")

// DefaultExcludes are transient files that differ between a live data
// directory and its copy.
var DefaultExcludes = []string{"*.pid", "*.sock", "*.sock.lock", "lost+found"}

type Fingerprint struct {
	Digest string `yaml:"digest" json:"digest"`
	Files  int    `yaml:"files" json:"files"`
	Bytes  int64  `yaml:"bytes" json:"bytes"`
}

// Excluded reports whether name matches any of the glob patterns.
func Excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// FingerprintDir digests the relative path, size and mtime (seconds) of every
// regular file under dir. File contents are not read.
func FingerprintDir(dir string, excludes []string) (*Fingerprint, error) {
	var lines []string
	fp := &Fingerprint{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if Excluded(d.Name(), excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("%s\t%d\t%d\n", filepath.ToSlash(rel), info.Size(), info.ModTime().Unix()))
		fp.Files++
		fp.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint %s: %w", dir, err)
	}

	sort.Strings(lines)
	hasher := blake3.New()
	for _, l := range lines {
		io.WriteString(hasher, l)
	}
	fp.Digest = fmt.Sprintf("%x", hasher.Sum(nil))
	return fp, nil
}

func Compare(a, b *Fingerprint) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing fingerprint", ErrMismatch)
	}
	if a.Digest != b.Digest {
		return fmt.Errorf("%w: %d files/%d bytes vs %d files/%d bytes", ErrMismatch, a.Files, a.Bytes, b.Files, b.Bytes)
	}
	return nil
}

// FileDigest computes the BLAKE3 hash of a file's contents.
func FileDigest(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
