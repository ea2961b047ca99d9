package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"dbsnap/internal/config"
	"dbsnap/internal/consistency"
	"dbsnap/internal/layout"
	"dbsnap/internal/lock"
	"dbsnap/internal/logging"
	"dbsnap/internal/lvm"
	"dbsnap/internal/metrics"
	"dbsnap/internal/mysql"
	"dbsnap/internal/notify"
	"dbsnap/internal/remote"
	"dbsnap/internal/runner"
	"dbsnap/internal/transfer"
)

type Options struct {
	ConfigPath string
	Command    string
	// Exclusive commands hold the run lock from Open until Close.
	Exclusive bool
	// ReadOnly commands write no log file and no metrics, and log to stderr
	// so stdout stays machine readable.
	ReadOnly bool
}

// App is everything one command invocation works with.
type App struct {
	Config     *config.Config
	Layout     *layout.Layout
	Logger     *slog.Logger
	RunID      string
	Runner     runner.Runner
	Clients    []mysql.Client
	Controller *consistency.Controller
	Snapshots  *lvm.Manager
	Syncer     *transfer.Syncer
	// Backend is nil unless s3.enabled is set.
	Backend  remote.Backend
	Notifier notify.Notifier
	Metrics  *metrics.Run

	opts    Options
	start   time.Time
	logPath string
	logFile *os.File
	release func() error
}

// Open loads the configuration, sets up logging and, for exclusive commands,
// takes the run lock. Nothing on disk is touched before the lock is held
// except the log file.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &App{
		Config: cfg,
		Layout: layout.New(cfg.BaseDir, cfg.Archive.Dir),
		RunID:  uuid.NewString(),
		opts:   opts,
		start:  time.Now(),
	}

	var logger *slog.Logger
	if opts.ReadOnly {
		logger = logging.New(io.Discard, os.Stderr, logging.ParseLevel(cfg.Log.Level))
	} else {
		a.logPath = logging.LogPath(cfg.BaseDir, opts.Command, a.start)
		logger, a.logFile, err = logging.Setup(a.logPath, cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to setup logging: %w", err)
		}
	}
	a.Logger = logger.With("command", opts.Command, "runId", a.RunID)
	slog.SetDefault(a.Logger)

	a.Runner = &runner.Exec{Logger: a.Logger}
	a.Notifier = notify.FromConfig(cfg.Notify, a.Runner)
	a.Metrics = metrics.NewRun(opts.Command)

	if opts.Exclusive {
		release, err := lock.Acquire(a.Layout.LockPath(), opts.Command, a.RunID)
		if err != nil {
			err = fmt.Errorf("failed to acquire lock: %w", err)
			a.Logger.Error("Aborting", "error", err)
			notify.Report(ctx, a.Notifier, a.Logger, notify.Subject(opts.Command, true), a.body(err))
			a.closeLog()
			return nil, err
		}
		a.release = release
	}

	if err := a.wire(ctx); err != nil {
		a.Close(ctx, err)
		return nil, err
	}
	a.Logger.Debug("Command started", "config", opts.ConfigPath)
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	clients, err := mysql.OpenAll(cfg, a.Logger)
	if err != nil {
		return err
	}
	a.Clients = clients

	var session *consistency.Session
	if a.opts.ReadOnly {
		session = consistency.NewSession("", a.RunID)
	} else {
		session = consistency.NewSession(a.Layout.SessionPath(), a.RunID)
	}
	a.Controller = consistency.New(clients, cfg.Replicas(), session, a.Logger)
	a.Snapshots = lvm.NewManager(a.Runner, cfg.Snapshot.MountOptions, a.Logger)
	a.Syncer = transfer.New(a.Runner, a.Logger)

	if cfg.S3.Enabled {
		if err := remote.ValidateStorageClass(string(cfg.S3.StorageClass)); err != nil {
			return err
		}
		backend, err := remote.NewS3(ctx, cfg.S3, cfg.S3RetryAttempts(), a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 backend: %w", err)
		}
		a.Backend = backend
	}
	return nil
}

// Offsite returns the bundle copier, or nil when S3 is disabled.
func (a *App) Offsite() *remote.Offsite {
	if a.Backend == nil {
		return nil
	}
	return &remote.Offsite{Backend: a.Backend, Logger: a.Logger}
}

// Close finishes the invocation: metrics, a failure notification, then the
// connections, the run lock and the log file. runErr is the command's
// outcome; Close returns it unchanged.
func (a *App) Close(ctx context.Context, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	end := time.Now()

	if runErr != nil {
		a.Logger.Error("Command failed", "error", runErr, "duration", end.Sub(a.start).String())
		notify.Report(ctx, a.Notifier, a.Logger, notify.Subject(a.opts.Command, true), a.body(runErr))
	} else {
		a.Logger.Info("Command completed", "duration", end.Sub(a.start).String())
	}

	if !a.opts.ReadOnly && a.Config.Metrics.TextfileDir != "" {
		a.Metrics.Finish(a.start, end, runErr)
		if err := a.Metrics.Write(a.Config.Metrics.TextfileDir); err != nil {
			a.Logger.Warn("Failed to write metrics", "error", err)
		}
	}

	mysql.CloseAll(a.Clients)

	if a.release != nil {
		if err := a.release(); err != nil {
			a.Logger.Warn("Failed to release lock", "error", err)
		}
		a.release = nil
	}
	a.closeLog()
	return runErr
}

func (a *App) closeLog() {
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}

func (a *App) body(err error) string {
	host, _ := os.Hostname()
	body := fmt.Sprintf("command: %s\nhost: %s\nrun id: %s\nstarted: %s\nerror: %v\n",
		a.opts.Command, host, a.RunID, a.start.Format(time.RFC3339), err)
	if errors.Is(err, context.Canceled) {
		body += "the run was interrupted\n"
	}
	if a.logPath != "" {
		body += "log: " + a.logPath + "\n"
	}
	return body
}
