package check

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"dbsnap/internal/config"
	"dbsnap/internal/layout"
	"dbsnap/internal/lvm"
	"dbsnap/internal/mysql"
	"dbsnap/internal/remote"
)

// Tools are the external commands every run depends on.
var Tools = []string{"lvcreate", "lvremove", "lvs", "mount", "umount", "rsync"}

type Deps struct {
	Snapshots *lvm.Manager
	Clients   []mysql.Client
	// Backend is nil when offsite copies are disabled.
	Backend  remote.Backend
	LookPath func(string) (string, error)
}

// Run verifies the host can carry out a backup and prints one line per
// check. Every check runs; the returned error joins all failures.
func Run(ctx context.Context, w io.Writer, cfg *config.Config, l *layout.Layout, deps Deps) error {
	lookPath := deps.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var errs []error
	report := func(what string, err error) {
		if err != nil {
			fmt.Fprintf(w, "%s: FAILED (%v)\n", what, err)
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
			return
		}
		fmt.Fprintf(w, "%s: OK\n", what)
	}

	fmt.Fprintln(w, "config: OK")

	for _, tool := range Tools {
		_, err := lookPath(tool)
		report("tool "+tool, err)
	}

	report("backup root "+l.BaseDir, l.Setup())

	origin := cfg.Snapshot.VolumeGroup + "/" + cfg.Snapshot.LogicalVolume
	report("logical volume "+origin, deps.Snapshots.CheckOrigin(ctx, cfg.Snapshot.VolumeGroup, cfg.Snapshot.LogicalVolume))

	snap := lvm.Handle(cfg.Snapshot.VolumeGroup, cfg.Snapshot.Name, cfg.Snapshot.MountPoint)
	exists, err := deps.Snapshots.Exists(ctx, snap)
	if err == nil && exists {
		err = fmt.Errorf("%s is left over from an earlier run", snap.LVPath())
	}
	report("snapshot name "+cfg.Snapshot.Name, err)

	for _, c := range deps.Clients {
		report("instance "+c.Name(), c.Ping(ctx))
	}

	if deps.Backend != nil {
		report("S3 bucket "+cfg.S3.Bucket, deps.Backend.VerifyCredentials(ctx))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	fmt.Fprintln(w, "all checks passed")
	return nil
}
