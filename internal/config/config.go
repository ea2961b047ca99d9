package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/dbsnap/dbsnap.yaml"

type Instance struct {
	Name         string   `yaml:"name"`
	Socket       string   `yaml:"socket,omitempty"`
	Address      string   `yaml:"address,omitempty"`
	DataDir      string   `yaml:"data_dir"`
	LogDir       string   `yaml:"log_dir"`
	Replica      bool     `yaml:"replica"`
	StartCommand []string `yaml:"start_command,omitempty"`
	StopCommand  []string `yaml:"stop_command,omitempty"`
}

type MySQLConfig struct {
	User           string        `yaml:"user"`
	Password       string        `yaml:"password,omitempty"`
	PasswordFile   string        `yaml:"password_file,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

type SnapshotConfig struct {
	VolumeGroup   string   `yaml:"volume_group"`
	LogicalVolume string   `yaml:"logical_volume"`
	Size          string   `yaml:"size"`
	Name          string   `yaml:"name"`
	MountPoint    string   `yaml:"mount_point"`
	OriginMount   string   `yaml:"origin_mount"`
	MountOptions  []string `yaml:"mount_options,omitempty"`
}

type CopyConfig struct {
	Parallelism int      `yaml:"parallelism"`
	Excludes    []string `yaml:"excludes,omitempty"`
}

type ArchiveConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	MinSize       string `yaml:"min_size"`
	Compression   string `yaml:"compression"`
	Level         int    `yaml:"level,omitempty"`
	RetentionDays int    `yaml:"retention_days"`
}

type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type NotifyConfig struct {
	Email   *EmailConfig `yaml:"email,omitempty"`
	Command []string     `yaml:"command,omitempty"`
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storage_class"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

type Config struct {
	BaseDir string `yaml:"base_dir"`
	Log     struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	MySQL     MySQLConfig    `yaml:"mysql"`
	Instances []Instance     `yaml:"instances"`
	Snapshot  SnapshotConfig `yaml:"snapshot"`
	Copy      CopyConfig     `yaml:"copy"`
	Archive   ArchiveConfig  `yaml:"archive"`
	Notify    NotifyConfig   `yaml:"notify"`
	Metrics   struct {
		TextfileDir string `yaml:"textfile_dir"`
	} `yaml:"metrics"`
	S3 S3Config `yaml:"s3"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Snapshot.Name == "" {
		c.Snapshot.Name = "dbsnap"
	}
	if len(c.Snapshot.MountOptions) == 0 {
		c.Snapshot.MountOptions = []string{"rw"}
	}
	if c.Copy.Parallelism <= 0 {
		c.Copy.Parallelism = 1
	}
	if c.Archive.Dir == "" && c.BaseDir != "" {
		c.Archive.Dir = filepath.Join(c.BaseDir, "archive")
	}
	if c.Archive.Compression == "" {
		c.Archive.Compression = "gzip"
	}
	if c.Archive.MinSize == "" {
		c.Archive.MinSize = "1MB"
	}
	if c.MySQL.ConnectTimeout == 0 {
		c.MySQL.ConnectTimeout = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if !filepath.IsAbs(c.BaseDir) {
		return fmt.Errorf("base_dir must be an absolute path")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if c.MySQL.User == "" {
		return fmt.Errorf("mysql.user is required")
	}
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one instance is required")
	}

	if c.Snapshot.VolumeGroup == "" {
		return fmt.Errorf("snapshot.volume_group is required")
	}
	if c.Snapshot.LogicalVolume == "" {
		return fmt.Errorf("snapshot.logical_volume is required")
	}
	if c.Snapshot.Size == "" {
		return fmt.Errorf("snapshot.size is required")
	}
	if c.Snapshot.MountPoint == "" {
		return fmt.Errorf("snapshot.mount_point is required")
	}
	if c.Snapshot.OriginMount == "" {
		return fmt.Errorf("snapshot.origin_mount is required")
	}
	if c.Snapshot.Name == c.Snapshot.LogicalVolume {
		return fmt.Errorf("snapshot.name must differ from snapshot.logical_volume")
	}
	if !filepath.IsAbs(c.Snapshot.MountPoint) || !filepath.IsAbs(c.Snapshot.OriginMount) {
		return fmt.Errorf("snapshot.mount_point and snapshot.origin_mount must be absolute paths")
	}
	if underDir(c.Snapshot.OriginMount, c.Snapshot.MountPoint) || underDir(c.Snapshot.MountPoint, c.Snapshot.OriginMount) {
		return fmt.Errorf("snapshot.mount_point %s overlaps snapshot.origin_mount %s", c.Snapshot.MountPoint, c.Snapshot.OriginMount)
	}

	seen := make(map[string]bool)
	for i, inst := range c.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instances[%d].name is required", i)
		}
		if strings.ContainsAny(inst.Name, "/ ") {
			return fmt.Errorf("instances[%d].name must not contain '/' or spaces", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("instances[%d].name %q is duplicated", i, inst.Name)
		}
		seen[inst.Name] = true
		if inst.Socket == "" && inst.Address == "" {
			return fmt.Errorf("instances[%d].socket or address is required", i)
		}
		if inst.DataDir == "" {
			return fmt.Errorf("instances[%d].data_dir is required", i)
		}
		if inst.LogDir == "" {
			return fmt.Errorf("instances[%d].log_dir is required", i)
		}
		if !underDir(c.Snapshot.OriginMount, inst.DataDir) {
			return fmt.Errorf("instances[%d].data_dir must be under snapshot.origin_mount", i)
		}
	}

	if _, err := humanize.ParseBytes(c.Archive.MinSize); err != nil {
		return fmt.Errorf("archive.min_size: %w", err)
	}
	switch c.Archive.Compression {
	case "gzip", "zstd", "lz4":
	default:
		return fmt.Errorf("archive.compression must be one of gzip, zstd, lz4")
	}
	if c.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive.retention_days must not be negative")
	}

	if c.Notify.Email != nil {
		if c.Notify.Email.SMTPHost == "" {
			return fmt.Errorf("notify.email.smtp_host is required")
		}
		if c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0 {
			return fmt.Errorf("notify.email.from and notify.email.to are required")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when s3 is enabled")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required when s3 is enabled")
		}
		if c.S3.StorageClass == "" {
			return fmt.Errorf("s3.storage_class is required when s3 is enabled")
		}
	}
	return nil
}

func (c *Config) FindInstance(name string) (*Instance, error) {
	for _, inst := range c.Instances {
		if inst.Name == name {
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("instance not found: %s", name)
}

func (c *Config) InstanceNames() []string {
	names := make([]string, 0, len(c.Instances))
	for _, inst := range c.Instances {
		names = append(names, inst.Name)
	}
	return names
}

// Replicas maps each instance name to whether it replicates from a source.
func (c *Config) Replicas() map[string]bool {
	replicas := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		replicas[inst.Name] = inst.Replica
	}
	return replicas
}

// MinArchiveBytes returns archive.min_size in bytes. Validate has already
// rejected values that do not parse.
func (c *Config) MinArchiveBytes() int64 {
	n, err := humanize.ParseBytes(c.Archive.MinSize)
	if err != nil {
		return 0
	}
	return int64(n)
}

func (c *Config) MySQLPassword() (string, error) {
	if c.MySQL.PasswordFile == "" {
		return c.MySQL.Password, nil
	}
	data, err := os.ReadFile(c.MySQL.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("failed to read mysql.password_file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *Config) S3RetryAttempts() int {
	if c.S3.Retry.MaxAttempts > 0 {
		return c.S3.Retry.MaxAttempts
	}
	return 3
}

// SnapshotPath maps a path on the origin volume to the same path inside the
// mounted snapshot.
func (c *Config) SnapshotPath(originPath string) (string, error) {
	rel, err := filepath.Rel(c.Snapshot.OriginMount, originPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is not under %s", originPath, c.Snapshot.OriginMount)
	}
	return filepath.Join(c.Snapshot.MountPoint, rel), nil
}

func underDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}
