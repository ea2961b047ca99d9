package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	StampFormat = "20060102-150405"

	CurrentName = "current"
	StagingName = "staging"
	RunName     = "run"
	LogsName    = "logs"

	DataDir          = "data"
	BinlogDir        = "binlog"
	MasterStatusFile = "master_status.txt"
	SlaveStatusFile  = "slave_status.txt"
	ResumeLogFile    = "resume.log"
	ManifestFile     = "manifest.yaml"
)

// BundleExtensions are the codec suffixes an archive bundle may carry after
// ".tar.".
var BundleExtensions = []string{"gz", "zst", "lz4"}

var ErrNoCurrent = errors.New("no current backup set")

// Stamp identifies a Backup Set or Archive Bundle. It is rendered in names
// with StampFormat, in UTC.
type Stamp struct {
	time.Time
}

func NewStamp(t time.Time) Stamp {
	return Stamp{t.UTC().Truncate(time.Second)}
}

// ParseStamp accepts only the exact StampFormat rendering.
func ParseStamp(s string) (Stamp, error) {
	t, err := time.ParseInLocation(StampFormat, s, time.UTC)
	if err != nil {
		return Stamp{}, fmt.Errorf("invalid stamp %q: %w", s, err)
	}
	if t.Format(StampFormat) != s {
		return Stamp{}, fmt.Errorf("invalid stamp %q: not in canonical form", s)
	}
	return Stamp{t}, nil
}

func (s Stamp) String() string {
	return s.Time.UTC().Format(StampFormat)
}

// Set is one published (or staged) Backup Set directory.
type Set struct {
	Stamp Stamp
	Path  string
}

func (s Set) InstanceDir(name string) string { return filepath.Join(s.Path, name) }
func (s Set) DataDir(name string) string     { return filepath.Join(s.Path, name, DataDir) }
func (s Set) BinlogDir(name string) string   { return filepath.Join(s.Path, name, BinlogDir) }
func (s Set) ResumeLog(name string) string   { return filepath.Join(s.Path, name, ResumeLogFile) }
func (s Set) Manifest() string               { return filepath.Join(s.Path, ManifestFile) }

func (s Set) MasterStatus(name string) string {
	return filepath.Join(s.Path, name, MasterStatusFile)
}

func (s Set) SlaveStatus(name string) string {
	return filepath.Join(s.Path, name, SlaveStatusFile)
}

// HasInstances reports whether every named instance directory exists in the
// set.
func (s Set) HasInstances(names []string) error {
	for _, name := range names {
		info, err := os.Stat(s.InstanceDir(name))
		if err != nil || !info.IsDir() {
			return fmt.Errorf("backup set %s has no directory for instance %s", s.Stamp, name)
		}
	}
	return nil
}

// Bundle is one Archive Bundle file.
type Bundle struct {
	Stamp Stamp
	Path  string
	Ext   string
	Size  int64
}

// BundleName renders "<stamp>.tar.<ext>".
func BundleName(stamp Stamp, ext string) string {
	return stamp.String() + ".tar." + ext
}

// ParseBundleName parses "<stamp>.tar.<ext>" strictly.
func ParseBundleName(name string) (Stamp, string, error) {
	stampPart, rest, ok := strings.Cut(name, ".tar.")
	if !ok {
		return Stamp{}, "", fmt.Errorf("invalid bundle name %q", name)
	}
	known := false
	for _, ext := range BundleExtensions {
		if rest == ext {
			known = true
			break
		}
	}
	if !known {
		return Stamp{}, "", fmt.Errorf("invalid bundle name %q: unknown extension", name)
	}
	stamp, err := ParseStamp(stampPart)
	if err != nil {
		return Stamp{}, "", err
	}
	return stamp, rest, nil
}

// Layout resolves every persisted path below the backup root.
type Layout struct {
	BaseDir    string
	ArchiveDir string
}

func New(baseDir, archiveDir string) *Layout {
	if archiveDir == "" {
		archiveDir = filepath.Join(baseDir, "archive")
	}
	return &Layout{BaseDir: baseDir, ArchiveDir: archiveDir}
}

func (l *Layout) CurrentLink() string    { return filepath.Join(l.BaseDir, CurrentName) }
func (l *Layout) StagingDir() string     { return filepath.Join(l.BaseDir, StagingName) }
func (l *Layout) RunDir() string         { return filepath.Join(l.BaseDir, RunName) }
func (l *Layout) LockPath() string       { return filepath.Join(l.RunDir(), "dbsnap.lock") }
func (l *Layout) SessionPath() string    { return filepath.Join(l.RunDir(), "session.yaml") }
func (l *Layout) ArchiveStaging() string { return filepath.Join(l.ArchiveDir, ".staging") }

func (l *Layout) SetDir(stamp Stamp) string {
	return filepath.Join(l.BaseDir, stamp.String())
}

func (l *Layout) Staging(stamp Stamp) Set {
	return Set{Stamp: stamp, Path: filepath.Join(l.StagingDir(), stamp.String())}
}

func (l *Layout) Set(stamp Stamp) Set {
	return Set{Stamp: stamp, Path: l.SetDir(stamp)}
}

func (l *Layout) Setup() error {
	return SetupDirectories(l.BaseDir, l.StagingDir(), l.RunDir(), l.ArchiveDir)
}

// Current resolves the current pointer.
func (l *Layout) Current() (Set, error) {
	target, err := os.Readlink(l.CurrentLink())
	if err != nil {
		if os.IsNotExist(err) {
			return Set{}, ErrNoCurrent
		}
		return Set{}, fmt.Errorf("failed to read current pointer: %w", err)
	}
	stamp, err := ParseStamp(filepath.Base(target))
	if err != nil {
		return Set{}, fmt.Errorf("current pointer is corrupt: %w", err)
	}
	set := l.Set(stamp)
	if _, err := os.Stat(set.Path); err != nil {
		return Set{}, fmt.Errorf("%w: %s points at a missing set", ErrNoCurrent, target)
	}
	return set, nil
}

// SetCurrent repoints current at set by renaming a fresh symlink over it, so
// readers never observe a missing pointer.
func (l *Layout) SetCurrent(set Set) error {
	tmp := l.CurrentLink() + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(set.Stamp.String(), tmp); err != nil {
		return fmt.Errorf("failed to create current pointer: %w", err)
	}
	if err := os.Rename(tmp, l.CurrentLink()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to swap current pointer: %w", err)
	}
	return nil
}

// Publish moves a staged set to its final name.
func (l *Layout) Publish(staged Set) (Set, error) {
	final := l.Set(staged.Stamp)
	if _, err := os.Lstat(final.Path); err == nil {
		return Set{}, fmt.Errorf("backup set %s already exists", final.Stamp)
	}
	if err := os.Rename(staged.Path, final.Path); err != nil {
		return Set{}, fmt.Errorf("failed to publish backup set: %w", err)
	}
	return final, nil
}

// Sets lists published sets, oldest first. Entries whose name is not a
// strict stamp are ignored.
func (l *Layout) Sets() ([]Set, error) {
	entries, err := os.ReadDir(l.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list backup sets: %w", err)
	}

	var sets []Set
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		stamp, err := ParseStamp(e.Name())
		if err != nil {
			continue
		}
		sets = append(sets, l.Set(stamp))
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Stamp.Before(sets[j].Stamp.Time) })
	return sets, nil
}

// StagedSets lists leftovers in the staging area.
func (l *Layout) StagedSets() ([]Set, error) {
	entries, err := os.ReadDir(l.StagingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sets []Set
	for _, e := range entries {
		if stamp, err := ParseStamp(e.Name()); err == nil && e.IsDir() {
			sets = append(sets, l.Staging(stamp))
		}
	}
	return sets, nil
}

// Bundles lists archive bundles, oldest first, and separately the names in
// the archive directory that do not parse as bundles.
func (l *Layout) Bundles() ([]Bundle, []string, error) {
	entries, err := os.ReadDir(l.ArchiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to list archive directory: %w", err)
	}

	var bundles []Bundle
	var unknown []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		stamp, ext, err := ParseBundleName(e.Name())
		if err != nil {
			unknown = append(unknown, e.Name())
			continue
		}
		b := Bundle{Stamp: stamp, Path: filepath.Join(l.ArchiveDir, e.Name()), Ext: ext}
		if info, err := e.Info(); err == nil {
			b.Size = info.Size()
		}
		bundles = append(bundles, b)
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].Stamp.Before(bundles[j].Stamp.Time) })
	return bundles, unknown, nil
}

// FindBundle returns the bundle for stamp under any codec extension.
func (l *Layout) FindBundle(stamp Stamp) (Bundle, bool) {
	for _, ext := range BundleExtensions {
		path := filepath.Join(l.ArchiveDir, BundleName(stamp, ext))
		if info, err := os.Stat(path); err == nil {
			return Bundle{Stamp: stamp, Path: path, Ext: ext, Size: info.Size()}, true
		}
	}
	return Bundle{}, false
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
