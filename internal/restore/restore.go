package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dbsnap/internal/archive"
	"dbsnap/internal/config"
	"dbsnap/internal/layout"
	"dbsnap/internal/runner"
	"dbsnap/internal/transfer"
	"dbsnap/internal/verify"
)

// Fetcher downloads a bundle that is no longer on the host.
type Fetcher interface {
	Fetch(ctx context.Context, name, localPath string) error
}

type Options struct {
	Instance string
	// Stamp selects a Backup Set; empty means the current one.
	Stamp  string
	DryRun bool
}

type Result struct {
	Instance  string
	Stamp     string
	Source    string
	FromFile  string
	ResumeLog string
	Binlogs   []string
}

type Restorer struct {
	cfg     *config.Config
	layout  *layout.Layout
	runner  runner.Runner
	syncer  *transfer.Syncer
	fetcher Fetcher
	logger  *slog.Logger
}

func New(cfg *config.Config, l *layout.Layout, r runner.Runner, fetcher Fetcher, logger *slog.Logger) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{
		cfg:     cfg,
		layout:  l,
		runner:  r,
		syncer:  transfer.New(r, logger),
		fetcher: fetcher,
		logger:  logger,
	}
}

// Run replaces one instance's data directory with the copy in a Backup Set.
// The set may still be a directory or only survive as an archive bundle,
// locally or offsite. The source is resolved before the instance is touched.
func (r *Restorer) Run(ctx context.Context, opts Options) (*Result, error) {
	inst, err := r.cfg.FindInstance(opts.Instance)
	if err != nil {
		return nil, err
	}

	set, cleanup, from, err := r.resolve(ctx, opts.Stamp)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	src := set.DataDir(inst.Name)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("backup set %s has no data for instance %s", set.Stamp, inst.Name)
	}

	res := &Result{
		Instance:  inst.Name,
		Stamp:     set.Stamp.String(),
		Source:    src,
		FromFile:  from,
		ResumeLog: set.ResumeLog(inst.Name),
	}
	if entries, err := os.ReadDir(set.BinlogDir(inst.Name)); err == nil {
		for _, e := range entries {
			res.Binlogs = append(res.Binlogs, e.Name())
		}
	}

	if opts.DryRun {
		r.logger.Info("Dry run, nothing restored", "instance", inst.Name, "source", src, "target", inst.DataDir)
		return res, nil
	}

	r.logger.Info("Restore started", "instance", inst.Name, "set", res.Stamp, "target", inst.DataDir)
	if err := r.runHook(ctx, "stop", inst.StopCommand); err != nil {
		return nil, err
	}

	if err := r.syncer.Sync(ctx, src, inst.DataDir, transfer.Options{Delete: true}); err != nil {
		return nil, fmt.Errorf("failed to restore data of %s (instance left stopped): %w", inst.Name, err)
	}

	want, err := verify.FingerprintDir(src, verify.DefaultExcludes)
	if err != nil {
		return nil, err
	}
	got, err := verify.FingerprintDir(inst.DataDir, verify.DefaultExcludes)
	if err != nil {
		return nil, err
	}
	if err := verify.Compare(want, got); err != nil {
		return nil, fmt.Errorf("restored data of %s does not match the backup (instance left stopped): %w", inst.Name, err)
	}

	if err := r.runHook(ctx, "start", inst.StartCommand); err != nil {
		return nil, err
	}

	r.logger.Info("Restore completed", "instance", inst.Name, "set", res.Stamp, "binlogs", len(res.Binlogs), "resumeLog", res.ResumeLog)
	return res, nil
}

func (r *Restorer) runHook(ctx context.Context, what string, argv []string) error {
	if len(argv) == 0 {
		r.logger.Warn("No command configured", "hook", what)
		return nil
	}
	if _, err := r.runner.Run(ctx, runner.Command{Name: argv[0], Args: argv[1:]}); err != nil {
		return fmt.Errorf("failed to %s instance: %w", what, err)
	}
	return nil
}

func noop() {}

// resolve finds the set directory for stamp, unpacking its bundle into the
// staging area when the directory is gone.
func (r *Restorer) resolve(ctx context.Context, stamp string) (layout.Set, func(), string, error) {
	if stamp == "" {
		set, err := r.layout.Current()
		if err != nil {
			return layout.Set{}, noop, "", err
		}
		return set, noop, "", nil
	}

	st, err := layout.ParseStamp(stamp)
	if err != nil {
		return layout.Set{}, noop, "", err
	}
	set := r.layout.Set(st)
	if _, err := os.Stat(set.Path); err == nil {
		return set, noop, "", nil
	}

	bundle, ok := r.layout.FindBundle(st)
	var fetched string
	if !ok {
		if r.fetcher == nil {
			return layout.Set{}, noop, "", fmt.Errorf("backup set %s not found", stamp)
		}
		var ferr error
		bundle, ferr = r.fetch(ctx, st)
		if ferr != nil {
			return layout.Set{}, noop, "", fmt.Errorf("backup set %s not found locally or offsite: %w", stamp, ferr)
		}
		fetched = bundle.Path
	}

	dir := filepath.Join(r.layout.StagingDir(), "restore-"+st.String())
	cleanup := func() {
		os.RemoveAll(dir)
		if fetched != "" {
			os.Remove(fetched)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return layout.Set{}, noop, "", err
	}
	r.logger.Info("Unpacking bundle", "bundle", bundle.Path, "dir", dir)
	if err := archive.Extract(ctx, bundle, dir); err != nil {
		cleanup()
		return layout.Set{}, noop, "", fmt.Errorf("failed to unpack %s: %w", bundle.Path, err)
	}
	return layout.Set{Stamp: st, Path: dir}, cleanup, bundle.Path, nil
}

func (r *Restorer) fetch(ctx context.Context, st layout.Stamp) (layout.Bundle, error) {
	if err := layout.SetupDirectories(r.layout.StagingDir()); err != nil {
		return layout.Bundle{}, err
	}
	var errs []error
	for _, ext := range layout.BundleExtensions {
		name := layout.BundleName(st, ext)
		local := filepath.Join(r.layout.StagingDir(), name)
		if err := r.fetcher.Fetch(ctx, name, local); err != nil {
			errs = append(errs, err)
			continue
		}
		return layout.Bundle{Stamp: st, Path: local, Ext: ext}, nil
	}
	return layout.Bundle{}, errors.Join(errs...)
}
