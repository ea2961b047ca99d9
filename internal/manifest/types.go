package manifest

import "dbsnap/internal/verify"

type SystemInfo struct {
	Hostname string `yaml:"hostname"`
	OS       string `yaml:"os"`
	Kernel   string `yaml:"kernel"`
}

type SnapshotInfo struct {
	VolumeGroup   string `yaml:"volume_group"`
	LogicalVolume string `yaml:"logical_volume"`
	Name          string `yaml:"name"`
	Size          string `yaml:"size"`
}

type Instance struct {
	Name string `yaml:"name"`
	// LogFile is the active binary log right after the rotation taken under
	// the read lock; incrementals start from it.
	LogFile     string             `yaml:"log_file"`
	Replica     bool               `yaml:"replica"`
	ReplicaHost string             `yaml:"replica_host,omitempty"`
	ReplicaFile string             `yaml:"replica_log_file,omitempty"`
	ReplicaPos  string             `yaml:"replica_log_pos,omitempty"`
	Source      verify.Fingerprint `yaml:"source"`
	Copy        verify.Fingerprint `yaml:"copy"`
}

type Incremental struct {
	Datetime  int64    `yaml:"datetime"`
	RunID     string   `yaml:"run_id"`
	Instance  string   `yaml:"instance"`
	ActiveLog string   `yaml:"active_log"`
	Segments  []string `yaml:"segments"`
}

// Set describes one Backup Set and is stored as manifest.yaml at its root.
type Set struct {
	Stamp        string         `yaml:"stamp"`
	RunID        string         `yaml:"run_id"`
	Datetime     int64          `yaml:"datetime"`
	Duration     string         `yaml:"duration"`
	System       SystemInfo     `yaml:"system"`
	Snapshot     SnapshotInfo   `yaml:"snapshot"`
	Instances    []Instance     `yaml:"instances"`
	Incrementals []*Incremental `yaml:"incrementals,omitempty"`
}

func (s *Set) Instance(name string) *Instance {
	for i := range s.Instances {
		if s.Instances[i].Name == name {
			return &s.Instances[i]
		}
	}
	return nil
}
