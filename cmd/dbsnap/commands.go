package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"dbsnap/internal/app"
	"dbsnap/internal/archive"
	"dbsnap/internal/backup"
	"dbsnap/internal/check"
	"dbsnap/internal/incremental"
	"dbsnap/internal/restore"
	"dbsnap/internal/retention"
	"dbsnap/internal/status"
)

// withApp opens the invocation, runs fn and closes it with fn's outcome.
func withApp(ctx context.Context, cmd *cli.Command, opts app.Options, fn func(ctx context.Context, a *app.App) error) error {
	opts.ConfigPath = cmd.Root().String("config")
	opts.Command = cmd.Name
	a, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	return a.Close(ctx, fn(ctx, a))
}

func exclusive() app.Options { return app.Options{Exclusive: true} }

func runFull(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, exclusive(), func(ctx context.Context, a *app.App) error {
		o := backup.New(a.Config, a.Layout, backup.Deps{
			Clients:    a.Clients,
			Controller: a.Controller,
			Snapshots:  a.Snapshots,
			Syncer:     a.Syncer,
		}, a.RunID, a.Logger)

		res, err := o.Run(ctx)
		if err != nil {
			return err
		}
		var copied int64
		for _, inst := range res.Manifest.Instances {
			copied += inst.Copy.Bytes
		}
		a.Metrics.SetBytes(copied)
		a.Metrics.SetInstances(len(res.Manifest.Instances))
		fmt.Printf("backup set %s published (%s)\n", res.Set.Stamp, humanize.Bytes(uint64(copied)))
		return nil
	})
}

func runIncremental(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, exclusive(), func(ctx context.Context, a *app.App) error {
		m := incremental.New(a.Config, a.Layout, a.Clients, a.Controller, a.Syncer, a.RunID, a.Logger)
		res, err := m.Run(ctx)
		if res != nil {
			a.Metrics.SetInstances(len(res.Captures))
		}
		if err != nil {
			return err
		}
		segments := 0
		for _, c := range res.Captures {
			segments += len(c.Segments)
		}
		fmt.Printf("%d segments shipped into %s\n", segments, res.Set.Path)
		return nil
	})
}

func runArchive(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, exclusive(), func(ctx context.Context, a *app.App) error {
		var offsite archive.Offsite
		if o := a.Offsite(); o != nil {
			offsite = o
		}
		p, err := archive.New(a.Config, a.Layout, offsite, a.Logger)
		if err != nil {
			return err
		}
		outcomes, err := p.Run(ctx)
		var published int64
		for _, o := range outcomes {
			if o == nil || o.Skipped {
				continue
			}
			published += o.Size
			fmt.Printf("%s -> %s (%s)\n", o.Stamp, o.Bundle, humanize.Bytes(uint64(o.Size)))
		}
		a.Metrics.SetBytes(published)
		return err
	})
}

func runDelete(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, exclusive(), func(ctx context.Context, a *app.App) error {
		report, err := retention.Prune(ctx, a.Layout, a.Config.Archive.RetentionDays, time.Now(), a.Logger)
		if report != nil {
			var freed int64
			for _, b := range report.Deleted {
				freed += b.Size
				fmt.Println("deleted", b.Path)
			}
			a.Metrics.SetBytes(freed)
		}
		return err
	})
}

func runRestore(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, exclusive(), func(ctx context.Context, a *app.App) error {
		var fetcher restore.Fetcher
		if o := a.Offsite(); o != nil {
			fetcher = o
		}
		r := restore.New(a.Config, a.Layout, a.Runner, fetcher, a.Logger)
		res, err := r.Run(ctx, restore.Options{
			Instance: cmd.String("instance"),
			Stamp:    cmd.String("set"),
			DryRun:   cmd.Bool("dry-run"),
		})
		if err != nil {
			return err
		}
		verb := "restored"
		if cmd.Bool("dry-run") {
			verb = "would restore"
		}
		fmt.Printf("%s %s from set %s (%s)\n", verb, res.Instance, res.Stamp, res.Source)
		if len(res.Binlogs) > 0 {
			fmt.Printf("%d binary log segments to replay; resume statements in %s\n", len(res.Binlogs), res.ResumeLog)
		}
		return nil
	})
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	scope := cmd.Args().First()
	if scope == "" {
		scope = "all"
	}
	if err := status.ValidScope(scope); err != nil {
		return err
	}
	return withApp(ctx, cmd, app.Options{ReadOnly: true}, func(ctx context.Context, a *app.App) error {
		out, err := status.New(a.Config, a.Layout, a.Clients, a.Logger).Collect(ctx, scope)
		if err != nil {
			return err
		}
		return status.Write(os.Stdout, out)
	})
}

func runCheck(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
		return check.Run(ctx, os.Stdout, a.Config, a.Layout, check.Deps{
			Snapshots: a.Snapshots,
			Clients:   a.Clients,
			Backend:   a.Backend,
		})
	})
}
