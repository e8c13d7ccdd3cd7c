// Command pgresync rewinds a diverged PostgreSQL-style replica against a
// new primary, without recopying the full data directory. It is a thin
// cobra wrapper over the pgresync package: flags become a pgresync.Config,
// the driver does the real work, and this file only owns process
// lifecycle (signal handling, exit codes, logger construction).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chocapikk/pgresync"
	"github.com/chocapikk/pgresync/internal/backend"
	"github.com/chocapikk/pgresync/internal/logging"
	"github.com/chocapikk/pgresync/internal/rerrors"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		targetDir    string
		sourceDir    string
		sourceServer string
		dryRun       bool
		verbose      bool
	)

	root := &cobra.Command{
		Use:          "pgresync",
		Short:        "Resynchronize a diverged PostgreSQL data directory with its new primary",
		Version:      version,
		SilenceUsage: true,
	}
	root.Flags().StringVar(&targetDir, "target-pgdata", "", "target data directory to rewind (required)")
	root.Flags().StringVar(&sourceDir, "source-pgdata", "", "source data directory, for a local rewind")
	root.Flags().StringVar(&sourceServer, "source-server", "", "source server connection string, for a remote rewind")
	root.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "compute and log the plan without mutating the target")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().BoolP("help", "?", false, "help for pgresync")
	root.Flags().BoolP("version", "V", false, "version for pgresync")

	exitCode := 0
	root.RunE = func(cmd *cobra.Command, _ []string) error {
		if targetDir == "" {
			return errors.New("--target-pgdata is required")
		}
		if (sourceDir == "") == (sourceServer == "") {
			return errors.New("exactly one of --source-pgdata or --source-server is required")
		}

		log := newLoggerFunc(verbose)
		defer log.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		code, err := execute(ctx, log, targetDir, sourceDir, sourceServer, dryRun)
		exitCode = code
		return err
	}
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

// newLoggerFunc is a package-level var so tests could substitute a recording
// logger; production always wires logging.New.
var newLoggerFunc = logging.New

func execute(ctx context.Context, log *zap.Logger, targetDir, sourceDir, sourceServer string, dryRun bool) (int, error) {
	target := backend.NewLocalBackend(targetDir)

	var source backend.FetchBackend
	if sourceDir != "" {
		source = backend.NewLocalBackend(sourceDir)
	} else {
		conn, err := pgx.Connect(ctx, sourceServer)
		if err != nil {
			log.Error("connecting to source server", zap.Error(err))
			return 1, err
		}
		defer conn.Close(ctx)

		remote := backend.NewRemoteBackend(conn)
		if err := remote.Prepare(ctx); err != nil {
			log.Error("preparing source server", zap.Error(err))
			return 1, err
		}
		source = remote
	}

	cfg := pgresync.Config{TargetDataDir: targetDir, SourceDataDir: sourceDir, DryRun: dryRun, Verbose: log.Core().Enabled(zap.DebugLevel)}
	result, err := pgresync.Run(ctx, cfg, source, target, log)
	if err != nil {
		log.Error("rewind failed", zap.Error(err))
		return exitCodeFor(err), err
	}
	if result.NoOpNeeded {
		log.Info("no rewind required")
		return 0, nil
	}
	log.Info("rewind complete", zap.Int("plan_entries", result.PlanLength))
	return 0, nil
}

// exitCodeFor maps a failure to the process exit code the error handling
// design assigns it: environment mismatches exit 1, unreadable required
// artifacts exit 2, everything else exits 1 as a generic failure.
func exitCodeFor(err error) int {
	var envErr *rerrors.Environment
	if errors.As(err, &envErr) {
		return 1
	}
	var readErr *rerrors.Read
	if errors.As(err, &readErr) {
		return 2
	}
	return 1
}
