package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"experiment-deployer/internal/app"
	"experiment-deployer/internal/app/server"
	"experiment-deployer/internal/config"
	"experiment-deployer/internal/deploy"
	deployerrors "experiment-deployer/internal/errors"
	"experiment-deployer/internal/observability"
	"experiment-deployer/internal/storage"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitAborted = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	config.SetupLogging(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Serve {
		if err := server.Run(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("server stopped")
			return exitFailed
		}
		return exitOK
	}

	var opts []app.Option
	if cfg.JournalEnabled() {
		store, err := storage.New(ctx, cfg)
		if err != nil {
			log.Error().Err(err).Msg("init storage")
			return exitFailed
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			log.Error().Err(err).Msg("init storage")
			return exitFailed
		}
		opts = append(opts, app.WithRecorder(store))
	}

	report, err := app.NewDeployer(cfg, opts...).Deploy(ctx, app.NewRequest(cfg.Request))
	if cfg.Metrics.Textfile != "" {
		if werr := observability.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
			log.Warn().Err(werr).Str("path", cfg.Metrics.Textfile).Msg("write metrics")
		}
	}
	if err != nil {
		log.Error().Err(err).Str("error_kind", string(deployerrors.KindOf(err))).Msg("deployment not started")
		if errors.Is(err, deploy.ErrInvalidRequest) {
			return exitUsage
		}
		return exitFailed
	}
	return exitCode(report)
}

func exitCode(r deploy.Report) int {
	switch {
	case r.Failed():
		return exitFailed
	case r.Aborted():
		return exitAborted
	default:
		return exitOK
	}
}
