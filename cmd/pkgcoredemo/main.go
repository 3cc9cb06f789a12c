// Command pkgcoredemo exercises the local database, lock manager, and job
// planner end to end against a single in-memory repository, standing in
// for the CLI front-end this module does not provide (§1 non-goals).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	pkgcore "github.com/pkgcore/corepkg"
	"github.com/pkgcore/corepkg/lockmgr"
	"github.com/pkgcore/corepkg/planner"
	"github.com/pkgcore/corepkg/repo"
	"github.com/pkgcore/corepkg/storage"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).
		With().Timestamp().Logger()
	zlog.Set(&log)
	ctx := context.Background()

	dbDir := flag.String("dbdir", "", "directory to hold local.sqlite (required)")
	name := flag.String("name", "demo/hello", "package name to install")
	version := flag.String("version", "1.0", "package version to install")
	flag.Parse()
	if *dbDir == "" {
		log.Fatal().Msg("-dbdir is required")
	}

	if err := run(ctx, *dbDir, *name, *version); err != nil {
		log.Fatal().Err(err).Msg("demo run failed")
	}
}

func run(ctx context.Context, dbDir, name, version string) error {
	opts := &pkgcore.Options{DBDir: dbDir}
	if err := opts.Parse(); err != nil {
		return err
	}

	e, err := storage.Open(ctx, opts, storage.Create)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer e.Close()

	lm := lockmgr.New(e.DB(), opts)

	candidate := &pkgcore.Package{
		Name:    name,
		Origin:  name,
		Version: version,
		UID:     name + "-" + version,
		Comment: "demo package",
	}
	repos := []repo.Repo{newDemoRepo("local-demo", 0, candidate)}

	job := planner.NewJob(planner.KindInstall, planner.Flags{Automatic: false},
		planner.Selector{Pattern: name, Mode: storage.MatchExact})

	tx, err := e.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	actions, err := planner.Solve(ctx, e, tx, repos, job)
	if err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("solve: %w", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback read tx: %w", err)
	}
	for _, act := range actions {
		zlog.Info(ctx).Str("type", act.Type.String()).Str("name", act.Name).
			Str("reason", act.Reason).Msg("planned action")
	}

	applier := planner.NewApplier(e, lm, &demoArchive{pkg: candidate}, nil, job)
	applied, err := applier.Apply(ctx)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	for _, a := range applied {
		if a.Err != nil {
			zlog.Warn(ctx).Str("type", a.Action.Type.String()).Err(a.Err).Msg("action failed")
		}
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	zlog.Info(ctx).Int64("local_count", stats.LocalCount).Msg("done")
	return nil
}
