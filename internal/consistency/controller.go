package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dbsnap/internal/mysql"
)

// Controller pauses and resumes writes across instances: replication stop and
// global read lock on the way in, unlock and replication start on the way out.
type Controller struct {
	clients  map[string]mysql.Client
	replicas map[string]bool
	session  *Session
	logger   *slog.Logger
}

func New(clients []mysql.Client, replicas map[string]bool, session *Session, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]mysql.Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	return &Controller{clients: m, replicas: replicas, session: session, logger: logger}
}

func (c *Controller) Session() *Session { return c.session }

func (c *Controller) client(name string) (mysql.Client, error) {
	cl, ok := c.clients[name]
	if !ok {
		return nil, fmt.Errorf("no connection for instance %s", name)
	}
	return cl, nil
}

// StopReplication stops replication on every replica instance in order.
// Instances that are not replicas are skipped.
func (c *Controller) StopReplication(ctx context.Context, names []string) error {
	for _, name := range names {
		if !c.replicas[name] {
			continue
		}
		cl, err := c.client(name)
		if err != nil {
			return err
		}
		if err := cl.StopReplica(ctx); err != nil {
			return fmt.Errorf("failed to stop replication on %s: %w", name, err)
		}
		if err := c.session.MarkPaused(name, true); err != nil {
			return err
		}
	}
	return nil
}

// Lock takes the global read lock on every instance in order.
func (c *Controller) Lock(ctx context.Context, names []string) error {
	for _, name := range names {
		cl, err := c.client(name)
		if err != nil {
			return err
		}
		if err := cl.LockTables(ctx); err != nil {
			return fmt.Errorf("failed to lock tables on %s: %w", name, err)
		}
		if err := c.session.MarkLocked(name, true); err != nil {
			return err
		}
	}
	return nil
}

// Pause stops replication then locks tables, stopping at the first failure.
// The session records every instance affected so far.
func (c *Controller) Pause(ctx context.Context, names []string) error {
	if err := c.StopReplication(ctx, names); err != nil {
		return err
	}
	return c.Lock(ctx, names)
}

func (c *Controller) Unlock(ctx context.Context, names []string) error {
	for _, name := range names {
		if !c.session.IsLocked(name) {
			continue
		}
		cl, err := c.client(name)
		if err != nil {
			return err
		}
		if err := cl.UnlockTables(ctx); err != nil {
			return fmt.Errorf("failed to unlock tables on %s: %w", name, err)
		}
		if err := c.session.MarkLocked(name, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) StartReplication(ctx context.Context, names []string) error {
	for _, name := range names {
		if !c.session.IsPaused(name) {
			continue
		}
		cl, err := c.client(name)
		if err != nil {
			return err
		}
		if err := cl.StartReplica(ctx); err != nil {
			return fmt.Errorf("failed to start replication on %s: %w", name, err)
		}
		if err := c.session.MarkPaused(name, false); err != nil {
			return err
		}
	}
	return nil
}

// Resume unlocks then restarts replication, in the same order as Pause.
func (c *Controller) Resume(ctx context.Context, names []string) error {
	if err := c.Unlock(ctx, names); err != nil {
		return err
	}
	return c.StartReplication(ctx, names)
}

// ReleaseLocks is the compensating action for Lock: every instance still
// recorded as locked is attempted, failures are collected.
func (c *Controller) ReleaseLocks(ctx context.Context) error {
	var errs []error
	for _, name := range c.session.Locked() {
		if err := c.Unlock(ctx, []string{name}); err != nil {
			c.logger.Error("Failed to release lock", "instance", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseReplication is the compensating action for StopReplication.
func (c *Controller) ReleaseReplication(ctx context.Context) error {
	var errs []error
	for _, name := range c.session.Paused() {
		if err := c.StartReplication(ctx, []string{name}); err != nil {
			c.logger.Error("Failed to resume replication", "instance", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecoverStale undoes what a crashed run recorded in the session file. Read
// locks die with the session that took them, so only replication needs to be
// restarted. The file is removed once every instance has been resumed.
func (c *Controller) RecoverStale(ctx context.Context) error {
	path := c.session.Path()
	if path == "" {
		return nil
	}
	stale, err := loadStale(path)
	if err != nil || stale == nil {
		return err
	}
	c.logger.Warn("Found session state from an interrupted run", "pid", stale.Pid, "runId", stale.RunID, "paused", stale.Paused, "locked", stale.Locked)

	var errs []error
	for _, name := range stale.Paused {
		cl, err := c.client(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := cl.StartReplica(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to resume replication on %s: %w", name, err))
			continue
		}
		c.logger.Info("Resumed replication left paused by interrupted run", "instance", name)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
