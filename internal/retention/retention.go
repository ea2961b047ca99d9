package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dbsnap/internal/layout"
)

type Report struct {
	Deleted []layout.Bundle
	Kept    []layout.Bundle
	Skipped []string
}

// Prune removes archive bundles whose embedded stamp is older than days
// before now. Only names that parse strictly as bundles are considered;
// anything else is left alone and reported. days <= 0 disables pruning.
func Prune(ctx context.Context, l *layout.Layout, days int, now time.Time, logger *slog.Logger) (*Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bundles, unknown, err := l.Bundles()
	if err != nil {
		return nil, err
	}

	report := &Report{Skipped: unknown}
	for _, name := range unknown {
		logger.Warn("Ignoring unrecognized file in archive directory", "name", name)
	}
	if days <= 0 {
		logger.Info("Retention disabled, nothing deleted", "bundles", len(bundles))
		report.Kept = bundles
		return report, nil
	}

	cutoff := now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
	var errs []error
	for _, b := range bundles {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !b.Stamp.Before(cutoff) {
			report.Kept = append(report.Kept, b)
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", b.Path, err))
			continue
		}
		logger.Info("Deleted expired bundle", "bundle", b.Path, "stamp", b.Stamp.String())
		report.Deleted = append(report.Deleted, b)
	}
	logger.Info("Retention completed", "deleted", len(report.Deleted), "kept", len(report.Kept), "cutoff", cutoff.Format(time.RFC3339))
	return report, errors.Join(errs...)
}
