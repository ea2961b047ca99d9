package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

func GetSystemInfo() SystemInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	info := SystemInfo{Hostname: hostname, OS: "unknown", Kernel: "unknown"}
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		info.OS = osReleaseName(string(data))
	}
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		info.Kernel = strings.TrimSpace(string(data))
	}
	return info
}

func osReleaseName(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return "unknown"
}

// Write replaces filename through a temporary file so a reader never sees a
// partial manifest.
func Write(filename string, m *Set) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(filename), "."+filepath.Base(filename)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

func Read(filename string) (*Set, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Set
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// AppendIncremental records an incremental capture in an existing manifest.
func AppendIncremental(filename string, inc *Incremental) error {
	m, err := Read(filename)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	m.Incrementals = append(m.Incrementals, inc)
	return Write(filename, m)
}
