package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"dbsnap/internal/config"
	"dbsnap/internal/layout"
	"dbsnap/internal/transfer"
)

var ErrTooSmall = errors.New("archive bundle below minimum size")

// Offsite receives every bundle once it is published.
type Offsite interface {
	Push(ctx context.Context, localPath string) error
}

type Pipeline struct {
	layout      *layout.Layout
	codec       Codec
	level       int
	minSize     int64
	parallelism int
	offsite     Offsite
	logger      *slog.Logger
}

func New(cfg *config.Config, l *layout.Layout, offsite Offsite, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := CodecByName(cfg.Archive.Compression)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		layout:      l,
		codec:       codec,
		level:       cfg.Archive.Level,
		minSize:     cfg.MinArchiveBytes(),
		parallelism: max(cfg.Copy.Parallelism, 1),
		offsite:     offsite,
		logger:      logger,
	}, nil
}

type Outcome struct {
	Stamp   layout.Stamp
	Bundle  string
	Size    int64
	Skipped bool
}

// Candidates returns published sets, oldest first, that are not the target
// of the current pointer and have no bundle yet.
func (p *Pipeline) Candidates() ([]layout.Set, error) {
	sets, err := p.layout.Sets()
	if err != nil {
		return nil, err
	}
	current, err := p.layout.Current()
	if err != nil && !errors.Is(err, layout.ErrNoCurrent) {
		return nil, err
	}

	var out []layout.Set
	for _, s := range sets {
		if err == nil && s.Path == current.Path {
			continue
		}
		if _, ok := p.layout.FindBundle(s.Stamp); ok {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Run archives every candidate. A failed set does not stop the others; the
// failures are returned joined.
func (p *Pipeline) Run(ctx context.Context) ([]*Outcome, error) {
	candidates, err := p.Candidates()
	if err != nil {
		return nil, err
	}
	p.logger.Info("Archive run started", "candidates", len(candidates), "compression", p.codec.Name())

	var outcomes []*Outcome
	var errs []error
	for _, set := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		o, err := p.ArchiveSet(ctx, set)
		if o != nil {
			outcomes = append(outcomes, o)
		}
		if err != nil {
			p.logger.Error("Archiving backup set failed", "set", set.Stamp.String(), "error", err)
			errs = append(errs, fmt.Errorf("archive %s: %w", set.Stamp, err))
		}
	}
	if p.offsite != nil && ctx.Err() == nil {
		if err := p.retryOffsite(ctx, outcomes); err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// retryOffsite pushes the published bundles this run did not just push. The
// source set of a bundle is gone once it is published, so a push that failed
// on an earlier run is only retried here.
func (p *Pipeline) retryOffsite(ctx context.Context, outcomes []*Outcome) error {
	done := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		done[o.Bundle] = true
	}
	bundles, _, err := p.layout.Bundles()
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range bundles {
		if done[b.Path] {
			continue
		}
		if err := p.offsite.Push(ctx, b.Path); err != nil {
			p.logger.Error("Offsite copy failed", "bundle", b.Path, "error", err)
			errs = append(errs, fmt.Errorf("offsite %s: %w", filepath.Base(b.Path), err))
		}
	}
	return errors.Join(errs...)
}

// ArchiveSet compresses one Backup Set into a bundle and publishes it. The
// source set is removed only after the bundle is in place. A set that already
// has a bundle is skipped without any work.
func (p *Pipeline) ArchiveSet(ctx context.Context, set layout.Set) (*Outcome, error) {
	if b, ok := p.layout.FindBundle(set.Stamp); ok {
		p.logger.Info("Bundle already exists, skipping", "set", set.Stamp.String(), "bundle", b.Path)
		return &Outcome{Stamp: set.Stamp, Bundle: b.Path, Size: b.Size, Skipped: true}, nil
	}

	staging := filepath.Join(p.layout.ArchiveStaging(), set.Stamp.String())
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("failed to clear archive staging: %w", err)
	}
	if err := layout.SetupDirectories(staging, p.layout.ArchiveDir); err != nil {
		return nil, err
	}

	instances, err := instanceDirs(set.Path)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, name := range instances {
		g.Go(func() error {
			return p.stageInstance(gctx, set, name, filepath.Join(staging, name))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := transfer.CopyFiles(set.Path, staging, layout.ManifestFile); err != nil {
		return nil, err
	}

	name := layout.BundleName(set.Stamp, p.codec.Ext())
	staged := filepath.Join(p.layout.ArchiveStaging(), name)
	size, err := PackDir(ctx, staging, staged, p.codec, p.level)
	if err != nil {
		return nil, err
	}
	if size < p.minSize {
		return nil, fmt.Errorf("%w: %s is %s, minimum %s", ErrTooSmall, name,
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(p.minSize)))
	}

	final := filepath.Join(p.layout.ArchiveDir, name)
	if err := os.Rename(staged, final); err != nil {
		return nil, fmt.Errorf("failed to publish bundle: %w", err)
	}
	p.logger.Info("Bundle published", "bundle", final, "size", humanize.Bytes(uint64(size)))

	if err := os.RemoveAll(set.Path); err != nil {
		return nil, fmt.Errorf("bundle published but failed to remove source set: %w", err)
	}
	if err := os.RemoveAll(staging); err != nil {
		p.logger.Warn("Failed to remove archive staging", "path", staging, "error", err)
	}

	outcome := &Outcome{Stamp: set.Stamp, Bundle: final, Size: size}
	if p.offsite != nil {
		if err := p.offsite.Push(ctx, final); err != nil {
			return outcome, fmt.Errorf("bundle published but offsite copy failed: %w", err)
		}
	}
	return outcome, nil
}

// stageInstance compresses the data and binlog directories separately so a
// restore needing only logs does not decompress data, and copies the status
// files as they are.
func (p *Pipeline) stageInstance(ctx context.Context, set layout.Set, name, dst string) error {
	for _, sub := range []string{layout.DataDir, layout.BinlogDir} {
		src := filepath.Join(set.InstanceDir(name), sub)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		out := filepath.Join(dst, sub+".tar."+p.codec.Ext())
		size, err := PackDir(ctx, src, out, p.codec, p.level)
		if err != nil {
			return err
		}
		p.logger.Debug("Compressed directory", "instance", name, "dir", sub, "size", humanize.Bytes(uint64(size)))
	}
	return transfer.CopyFiles(set.InstanceDir(name), dst,
		layout.MasterStatusFile, layout.SlaveStatusFile, layout.ResumeLogFile)
}

func instanceDirs(setPath string) ([]string, error) {
	entries, err := os.ReadDir(setPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup set: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Extract unpacks a bundle and the per-instance archives inside it into dir,
// giving the same layout as a Backup Set.
func Extract(ctx context.Context, bundle layout.Bundle, dir string) error {
	codec, err := CodecByExt(bundle.Ext)
	if err != nil {
		return err
	}
	if err := Unpack(ctx, bundle.Path, dir, codec); err != nil {
		return err
	}
	instances, err := instanceDirs(dir)
	if err != nil {
		return err
	}
	for _, name := range instances {
		for _, sub := range []string{layout.DataDir, layout.BinlogDir} {
			inner := filepath.Join(dir, name, sub+".tar."+codec.Ext())
			if _, err := os.Stat(inner); os.IsNotExist(err) {
				continue
			}
			if err := Unpack(ctx, inner, filepath.Join(dir, name, sub), codec); err != nil {
				return err
			}
			if err := os.Remove(inner); err != nil {
				return err
			}
		}
	}
	return nil
}
