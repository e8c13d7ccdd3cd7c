// Package pgresync wires the control-file sanity protocol, timeline
// divergence search, WAL page extraction, planning and execution into one
// run. It is the library the cmd/pgresync CLI drives; Config is a plain
// struct passed by value into a single Run-style entry point.
package pgresync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chocapikk/pgresync/internal/backend"
	"github.com/chocapikk/pgresync/internal/executor"
	"github.com/chocapikk/pgresync/internal/filemap"
	"github.com/chocapikk/pgresync/internal/pgcontrol"
	"github.com/chocapikk/pgresync/internal/pgtimeline"
	"github.com/chocapikk/pgresync/internal/planner"
	"github.com/chocapikk/pgresync/internal/rerrors"
	"github.com/chocapikk/pgresync/internal/walreplay"
)

// Config collects every option a run needs, gathered from CLI flags by
// cmd/pgresync.
type Config struct {
	TargetDataDir string
	SourceDataDir string // set when rewinding from a local source
	DryRun        bool
	Verbose       bool
}

// statCache adapts a backend.FetchBackend's ListFiles into the one-shot
// planner.Stater lookup the Planner needs for OnSourceEntry.
type statCache struct {
	entries map[string]backend.FileStat
}

func newStatCache(ctx context.Context, b backend.FetchBackend) (*statCache, error) {
	c := &statCache{entries: make(map[string]backend.FileStat)}
	err := b.ListFiles(ctx, func(fs backend.FileStat) error {
		c.entries[fs.Path] = fs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *statCache) Stat(path string) (bool, filemap.FileType, int64, string, error) {
	e, ok := c.entries[path]
	if !ok {
		return false, 0, 0, "", nil
	}
	return true, e.Type, e.Size, e.LinkTarget, nil
}

// Result reports what a Run did: NoOpNeeded is set when the target turned
// out to be a direct ancestor of the source and no rewind was required,
// PlanLength counts the entries the executor applied.
type Result struct {
	NoOpNeeded bool
	PlanLength int
}

// Run performs one full rewind: sanity checks, divergence analysis, WAL
// replay, planning, and execution, in that order.
func Run(ctx context.Context, cfg Config, source backend.FetchBackend, target backend.FetchBackend, log *zap.Logger) (Result, error) {
	sourceIdentity, err := source.Identity(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "checking source identity")
	}
	targetIdentity, err := target.Identity(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "checking target identity")
	}
	if sourceIdentity == targetIdentity {
		return Result{}, rerrors.NewEnvironment("identity-check", cfg.TargetDataDir,
			errors.New("source and target refer to the same underlying directory"))
	}

	targetControlBytes, err := target.FetchFile(ctx, "global/pg_control")
	if err != nil {
		return Result{}, rerrors.NewRead("fetch-control-file", "global/pg_control", err)
	}
	sourceControlBytes, err := source.FetchFile(ctx, "global/pg_control")
	if err != nil {
		return Result{}, rerrors.NewRead("fetch-control-file", "global/pg_control", err)
	}

	targetInfo, err := pgcontrol.Decode(targetControlBytes)
	if err != nil {
		return Result{}, errors.Wrap(err, "decoding target control file")
	}
	sourceInfo, err := pgcontrol.Decode(sourceControlBytes)
	if err != nil {
		return Result{}, errors.Wrap(err, "decoding source control file")
	}

	log.Debug("decoded control files",
		zap.Uint32("target_tli", targetInfo.CurrentTLI),
		zap.Uint32("source_tli", sourceInfo.CurrentTLI))

	if err := pgcontrol.Sanity(targetInfo, sourceInfo); err != nil {
		return Result{}, err
	}

	ancestorTLI, divergeLSN, err := pgtimeline.FindCommonAncestor(targetInfo.CurrentTLI, sourceInfo.CurrentTLI,
		func(path string) ([]byte, error) { return source.FetchFile(ctx, path) })
	if err != nil {
		return Result{}, err
	}
	log.Info("servers diverged",
		zap.Uint32("ancestor_tli", ancestorTLI),
		zap.String("diverge_lsn", divergeLSN.FormatLSN()))

	replayer := walreplay.NewReplayer(targetInfo.CurrentTLI, targetInfo.LastCheckpointRedo,
		func(name string, tli uint32, segNo uint64) ([]byte, error) {
			return target.FetchFile(ctx, "pg_wal/"+name)
		})

	// The target shut down cleanly, so the record at its last checkpoint
	// location is the final record in its WAL; its end LSN bounds the
	// page-extraction replay below.
	_, walEnd, err := replayer.ReadOneRecord(targetInfo.LastCheckpoint, targetInfo.CurrentTLI)
	if err != nil {
		return Result{}, errors.Wrap(err, "reading target's last checkpoint record")
	}

	// The target may be a plain ancestor of the source: if its shutdown
	// checkpoint record ends exactly at the divergence point, the target
	// holds no WAL that the source's history lacks, and nothing needs
	// rewinding. A last checkpoint at or past the divergence point means
	// the target kept writing after the fork.
	if targetInfo.LastCheckpoint < divergeLSN && walEnd == divergeLSN {
		log.Info("target's shutdown checkpoint ends at the divergence point, no rewind required")
		return Result{NoOpNeeded: true}, nil
	}

	chkptRec, chkptTLI, chkptRedo, err := replayer.FindLastCheckpoint(divergeLSN)
	if err != nil {
		return Result{}, errors.Wrap(err, "locating the last checkpoint before divergence")
	}
	log.Info("rewinding from last common checkpoint",
		zap.String("checkpoint_lsn", chkptRec.FormatLSN()),
		zap.Uint32("checkpoint_tli", chkptTLI))

	targetStats, err := newStatCache(ctx, target)
	if err != nil {
		return Result{}, errors.Wrap(err, "listing target files")
	}
	p := planner.New(targetStats)

	if err := source.ListFiles(ctx, func(fs backend.FileStat) error {
		return p.OnSourceEntry(fs.Path, fs.Type, fs.Size, fs.LinkTarget)
	}); err != nil {
		return Result{}, errors.Wrap(err, "enumerating source files")
	}

	if err := target.ListFiles(ctx, func(fs backend.FileStat) error {
		return p.OnTargetEntry(planner.TargetEntry{Path: fs.Path, Type: fs.Type})
	}); err != nil {
		return Result{}, errors.Wrap(err, "enumerating target files")
	}

	if err := p.BeginPageChanges(); err != nil {
		return Result{}, err
	}

	err = replayer.ReadRecordsFrom(chkptRec, walEnd, func(rec walreplay.Record) error {
		for _, blk := range rec.Blocks {
			if err := p.OnPageChange(blk.Rel, blk.Block); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "replaying target WAL")
	}

	plan := p.Finalize()
	log.Info("plan finalized", zap.Int("entries", len(plan)))
	for _, e := range plan {
		fields := []zap.Field{zap.String("path", e.Path), zap.Stringer("action", e.Action)}
		if e.Pages != nil && !e.Pages.Empty() {
			fields = append(fields, zap.Stringer("pages", e.Pages))
		}
		if cfg.DryRun {
			log.Info("planned action", fields...)
		} else {
			log.Debug("planned action", fields...)
		}
	}

	writer := executor.NewTargetWriter(cfg.TargetDataDir, cfg.DryRun)
	exec := executor.New(source, writer)
	if err := exec.Execute(ctx, plan); err != nil {
		return Result{}, errors.Wrap(err, "executing plan")
	}

	if err := executor.WriteBackupLabel(cfg.TargetDataDir, cfg.DryRun, chkptRedo, chkptTLI,
		chkptRec, nowStamp()); err != nil {
		return Result{}, errors.Wrap(err, "writing backup_label")
	}

	return Result{PlanLength: len(plan)}, nil
}

// nowStamp renders the current wall clock the way backup_label's START TIME
// field expects it: "%Y-%m-%d %H:%M:%S %Z".
func nowStamp() string {
	return time.Now().Format("2006-01-02 15:04:05 MST")
}
