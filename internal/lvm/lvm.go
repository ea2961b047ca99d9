package lvm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dbsnap/internal/runner"
)

const DefaultMountTable = "/proc/self/mounts"

var ErrExists = errors.New("snapshot volume already exists")

// Snapshot is a copy-on-write logical volume and, once mounted, its mount
// point.
type Snapshot struct {
	VolumeGroup string
	Name        string
	MountPoint  string
}

func (s *Snapshot) Device() string {
	return filepath.Join("/dev", s.VolumeGroup, s.Name)
}

func (s *Snapshot) LVPath() string {
	return s.VolumeGroup + "/" + s.Name
}

type Manager struct {
	Runner       runner.Runner
	MountTable   string
	MountOptions []string
	Logger       *slog.Logger
}

func NewManager(r runner.Runner, mountOptions []string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Runner: r, MountTable: DefaultMountTable, MountOptions: mountOptions, Logger: logger}
}

// Handle returns the snapshot of that name without creating it. Teardown
// methods accept it whether or not the volume exists.
func Handle(volumeGroup, name, mountPoint string) *Snapshot {
	return &Snapshot{VolumeGroup: volumeGroup, Name: name, MountPoint: mountPoint}
}

// Create takes a snapshot of volumeGroup/origin sized by size (lvcreate syntax).
func (m *Manager) Create(ctx context.Context, size, volumeGroup, origin, name string) (*Snapshot, error) {
	snap := &Snapshot{VolumeGroup: volumeGroup, Name: name}
	exists, err := m.Exists(ctx, snap)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, snap.LVPath())
	}

	m.Logger.Info("Creating snapshot", "snapshot", snap.LVPath(), "origin", volumeGroup+"/"+origin, "size", size)
	_, err = m.Runner.Run(ctx, runner.Command{
		Name: "lvcreate",
		Args: []string{"--snapshot", "--size", size, "--name", name, filepath.Join("/dev", volumeGroup, origin)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	return snap, nil
}

// Exists reports whether the snapshot volume is present in its volume group.
func (m *Manager) Exists(ctx context.Context, snap *Snapshot) (bool, error) {
	res, err := m.Runner.Run(ctx, runner.Command{
		Name: "lvs",
		Args: []string{"--noheadings", "-o", "lv_name", snap.VolumeGroup},
	})
	if err != nil {
		return false, fmt.Errorf("failed to list logical volumes: %w", err)
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if strings.TrimSpace(line) == snap.Name {
			return true, nil
		}
	}
	return false, nil
}

// Mount creates mountPoint if needed and mounts the snapshot on it read-write.
func (m *Manager) Mount(ctx context.Context, snap *Snapshot, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	snap.MountPoint = mountPoint

	args := []string{}
	if len(m.MountOptions) > 0 {
		args = append(args, "-o", strings.Join(m.MountOptions, ","))
	}
	args = append(args, snap.Device(), mountPoint)
	if _, err := m.Runner.Run(ctx, runner.Command{Name: "mount", Args: args}); err != nil {
		return fmt.Errorf("failed to mount snapshot: %w", err)
	}
	m.Logger.Info("Snapshot mounted", "snapshot", snap.LVPath(), "mountPoint", mountPoint)
	return nil
}

// Mounted reports whether something is mounted on the snapshot's mount point.
func (m *Manager) Mounted(snap *Snapshot) (bool, error) {
	if snap.MountPoint == "" {
		return false, nil
	}
	f, err := os.Open(m.MountTable)
	if err != nil {
		return false, fmt.Errorf("failed to read mount table: %w", err)
	}
	defer f.Close()

	target := filepath.Clean(snap.MountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if unescapeMount(fields[1]) == target {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Unmount is a no-op when the snapshot is not mounted.
func (m *Manager) Unmount(ctx context.Context, snap *Snapshot) error {
	mounted, err := m.Mounted(snap)
	if err != nil {
		return err
	}
	if !mounted {
		m.Logger.Debug("Snapshot not mounted, nothing to unmount", "mountPoint", snap.MountPoint)
		return nil
	}
	if _, err := m.Runner.Run(ctx, runner.Command{Name: "umount", Args: []string{snap.MountPoint}}); err != nil {
		return fmt.Errorf("failed to unmount snapshot: %w", err)
	}
	m.Logger.Info("Snapshot unmounted", "mountPoint", snap.MountPoint)
	return nil
}

// Destroy is a no-op when the snapshot volume does not exist.
func (m *Manager) Destroy(ctx context.Context, snap *Snapshot) error {
	exists, err := m.Exists(ctx, snap)
	if err != nil {
		return err
	}
	if !exists {
		m.Logger.Debug("Snapshot volume absent, nothing to remove", "snapshot", snap.LVPath())
		return nil
	}
	if _, err := m.Runner.Run(ctx, runner.Command{Name: "lvremove", Args: []string{"-f", snap.LVPath()}}); err != nil {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	m.Logger.Info("Snapshot removed", "snapshot", snap.LVPath())
	return nil
}

// RemoveMountPoint deletes the mount point directory if it is empty and not
// mounted.
func (m *Manager) RemoveMountPoint(snap *Snapshot) error {
	if snap.MountPoint == "" {
		return nil
	}
	mounted, err := m.Mounted(snap)
	if err != nil {
		return err
	}
	if mounted {
		return fmt.Errorf("mount point %s is still mounted", snap.MountPoint)
	}
	if err := os.Remove(snap.MountPoint); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove mount point: %w", err)
	}
	return nil
}

// Teardown unmounts and destroys, attempting both.
func (m *Manager) Teardown(ctx context.Context, snap *Snapshot) error {
	return errors.Join(m.Unmount(ctx, snap), m.Destroy(ctx, snap))
}

// CheckOrigin verifies that the origin logical volume exists.
func (m *Manager) CheckOrigin(ctx context.Context, volumeGroup, origin string) error {
	exists, err := m.Exists(ctx, &Snapshot{VolumeGroup: volumeGroup, Name: origin})
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("logical volume %s/%s not found", volumeGroup, origin)
	}
	return nil
}

// unescapeMount decodes the octal escapes (\040 for space) used in the mount
// table.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
