package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"dbsnap/internal/config"
	"dbsnap/internal/consistency"
	"dbsnap/internal/layout"
	"dbsnap/internal/lock"
	"dbsnap/internal/manifest"
	"dbsnap/internal/mysql"
)

var Scopes = []string{"all", "sets", "archives", "lock", "instances"}

type SetInfo struct {
	Stamp        string   `json:"stamp"`
	Path         string   `json:"path"`
	Current      bool     `json:"current"`
	Datetime     int64    `json:"datetime,omitempty"`
	DatetimeStr  string   `json:"datetime_str"`
	RunID        string   `json:"run_id,omitempty"`
	Instances    []string `json:"instances,omitempty"`
	Incrementals int      `json:"incrementals"`
	Size         int64    `json:"size"`
	SizeHuman    string   `json:"size_human"`
	Error        string   `json:"error,omitempty"`
}

type BundleInfo struct {
	Name      string `json:"name"`
	Stamp     string `json:"stamp"`
	Codec     string `json:"codec"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Age       string `json:"age"`
}

type LockInfo struct {
	Held          bool        `json:"held"`
	Holder        *lock.Entry `json:"holder,omitempty"`
	PendingPaused []string    `json:"pending_paused,omitempty"`
	PendingLocked []string    `json:"pending_locked,omitempty"`
}

type InstanceInfo struct {
	Name          string `json:"name"`
	Reachable     bool   `json:"reachable"`
	Replica       bool   `json:"replica"`
	IORunning     string `json:"io_running,omitempty"`
	SQLRunning    string `json:"sql_running,omitempty"`
	SecondsBehind string `json:"seconds_behind,omitempty"`
	ActiveLog     string `json:"active_log,omitempty"`
	Error         string `json:"error,omitempty"`
}

type Output struct {
	Scope     string         `json:"scope"`
	BaseDir   string         `json:"base_dir"`
	Current   string         `json:"current,omitempty"`
	Sets      []SetInfo      `json:"sets,omitempty"`
	Staged    []string       `json:"staged,omitempty"`
	Archives  []BundleInfo   `json:"archives,omitempty"`
	Unknown   []string       `json:"unknown_archive_files,omitempty"`
	Lock      *LockInfo      `json:"lock,omitempty"`
	Instances []InstanceInfo `json:"instances,omitempty"`
	Summary   struct {
		TotalSets        int    `json:"total_sets"`
		TotalArchives    int    `json:"total_archives"`
		TotalArchiveSize string `json:"total_archive_size"`
	} `json:"summary"`
}

// Reporter gathers a read-only view of the backup root. It never takes the
// run lock and never writes.
type Reporter struct {
	cfg     *config.Config
	layout  *layout.Layout
	clients []mysql.Client
	logger  *slog.Logger
	Now     func() time.Time
}

func New(cfg *config.Config, l *layout.Layout, clients []mysql.Client, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{cfg: cfg, layout: l, clients: clients, logger: logger, Now: time.Now}
}

func ValidScope(scope string) error {
	for _, s := range Scopes {
		if s == scope {
			return nil
		}
	}
	return fmt.Errorf("unknown status scope %q (want one of %v)", scope, Scopes)
}

func (r *Reporter) Collect(ctx context.Context, scope string) (*Output, error) {
	if scope == "" {
		scope = "all"
	}
	if err := ValidScope(scope); err != nil {
		return nil, err
	}

	out := &Output{Scope: scope, BaseDir: r.layout.BaseDir}
	if cur, err := r.layout.Current(); err == nil {
		out.Current = cur.Stamp.String()
	}

	all := scope == "all"
	if all || scope == "sets" {
		if err := r.collectSets(out); err != nil {
			return nil, err
		}
	}
	if all || scope == "archives" {
		if err := r.collectArchives(out); err != nil {
			return nil, err
		}
	}
	if all || scope == "lock" {
		info, err := r.collectLock()
		if err != nil {
			return nil, err
		}
		out.Lock = info
	}
	if all || scope == "instances" {
		out.Instances = r.collectInstances(ctx)
	}
	return out, nil
}

func (r *Reporter) collectSets(out *Output) error {
	sets, err := r.layout.Sets()
	if err != nil {
		return err
	}
	for _, s := range sets {
		info := SetInfo{
			Stamp:       s.Stamp.String(),
			Path:        s.Path,
			Current:     s.Stamp.String() == out.Current,
			DatetimeStr: s.Stamp.Format(time.RFC3339),
		}
		if size, err := dirSize(s.Path); err == nil {
			info.Size = size
			info.SizeHuman = humanize.Bytes(uint64(size))
		}
		m, err := manifest.Read(s.Manifest())
		if err != nil {
			info.Error = err.Error()
		} else {
			info.Datetime = m.Datetime
			info.RunID = m.RunID
			info.Incrementals = len(m.Incrementals)
			for _, inst := range m.Instances {
				info.Instances = append(info.Instances, inst.Name)
			}
		}
		out.Sets = append(out.Sets, info)
	}
	out.Summary.TotalSets = len(out.Sets)

	staged, err := r.layout.StagedSets()
	if err != nil {
		return err
	}
	for _, s := range staged {
		out.Staged = append(out.Staged, s.Path)
	}
	return nil
}

func (r *Reporter) collectArchives(out *Output) error {
	bundles, unknown, err := r.layout.Bundles()
	if err != nil {
		return err
	}
	now := r.Now()
	var total int64
	for _, b := range bundles {
		out.Archives = append(out.Archives, BundleInfo{
			Name:      filepath.Base(b.Path),
			Stamp:     b.Stamp.String(),
			Codec:     b.Ext,
			Size:      b.Size,
			SizeHuman: humanize.Bytes(uint64(b.Size)),
			Age:       humanize.RelTime(b.Stamp.Time, now, "ago", "from now"),
		})
		total += b.Size
	}
	out.Unknown = unknown
	out.Summary.TotalArchives = len(out.Archives)
	out.Summary.TotalArchiveSize = humanize.Bytes(uint64(total))
	return nil
}

func (r *Reporter) collectLock() (*LockInfo, error) {
	holder, err := lock.Holder(r.layout.LockPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	paused, locked, err := consistency.Pending(r.layout.SessionPath())
	if err != nil {
		return nil, err
	}
	return &LockInfo{Held: holder != nil, Holder: holder, PendingPaused: paused, PendingLocked: locked}, nil
}

func (r *Reporter) collectInstances(ctx context.Context) []InstanceInfo {
	var infos []InstanceInfo
	for _, c := range r.clients {
		info := InstanceInfo{Name: c.Name()}
		if inst, err := r.cfg.FindInstance(c.Name()); err == nil {
			info.Replica = inst.Replica
		}
		if err := c.Ping(ctx); err != nil {
			info.Error = err.Error()
			infos = append(infos, info)
			continue
		}
		info.Reachable = true
		if ms, err := c.MasterStatus(ctx); err == nil {
			info.ActiveLog = ms.Get("File")
		} else {
			r.logger.Debug("Master status unavailable", "instance", c.Name(), "error", err)
		}
		if info.Replica {
			rs, err := c.ReplicaStatus(ctx)
			if err != nil {
				info.Error = err.Error()
			} else {
				info.IORunning = rs.Get("Slave_IO_Running")
				info.SQLRunning = rs.Get("Slave_SQL_Running")
				info.SecondsBehind = rs.Get("Seconds_Behind_Master")
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Write prints the report as indented JSON.
func Write(w io.Writer, out *Output) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
