package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"dbsnap/internal/config"
	"dbsnap/internal/status"
)

func main() {
	cmd := &cli.Command{
		Name:    "dbsnap",
		Usage:   "Snapshot backups of MySQL instances sharing one LVM volume",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration yaml file",
				Value: config.DefaultPath,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "full",
				Usage:  "Take a full backup of every instance through an LVM snapshot",
				Action: runFull,
			},
			{
				Name:   "incremental",
				Usage:  "Ship closed binary log segments into the current backup set",
				Action: runIncremental,
			},
			{
				Name:   "archive",
				Usage:  "Compress aged backup sets into archive bundles",
				Action: runArchive,
			},
			{
				Name:   "delete",
				Usage:  "Delete archive bundles older than archive.retention_days",
				Action: runDelete,
			},
			{
				Name:  "restore",
				Usage: "Restore one instance's data directory from a backup set",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "instance",
						Usage:    "Name of the instance to restore",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "set",
						Usage: "Backup set stamp (YYYYMMDD-HHMMSS); defaults to current",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Show what would be restored without actually restoring",
						Value: false,
					},
				},
				Action: runRestore,
			},
			{
				Name:      "status",
				Usage:     "Print backup sets, archives, lock and instance state as JSON",
				ArgsUsage: "[" + strings.Join(status.Scopes, "|") + "]",
				Action:    runStatus,
			},
			{
				Name:   "check",
				Usage:  "Verify tools, volumes, instances and S3 access",
				Action: runCheck,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n⚠ Interrupted")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
