package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"experiment-deployer/internal/api"
	"experiment-deployer/internal/app"
	"experiment-deployer/internal/config"
	"experiment-deployer/internal/listener"
	"experiment-deployer/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Run serves the deployment API until ctx is done.
func Run(ctx context.Context, cfg config.Config) error {
	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Journal
	var opts []app.Option
	var store *storage.Store
	if cfg.JournalEnabled() {
		var err error
		store, err = storage.New(rootCtx, cfg)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		if err := store.EnsureSchema(rootCtx); err != nil {
			return err
		}
		opts = append(opts, app.WithRecorder(store))
	}

	d := app.NewDeployer(cfg, opts...)
	reports := storage.NewCache(0)

	// Listener (LISTEN/NOTIFY)
	if store != nil && cfg.Listener.Channel != "" {
		go listener.ListenAndDeploy(rootCtx, store, d, reports, cfg.Listener.Channel, cfg.Backoff())
	}

	// HTTP
	h := api.NewDeploymentHandler(d, reports)
	return Serve(rootCtx, newHTTPServer(cfg.Server.Addr, api.Router(h)))
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server crashed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown...")
	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shCancel()
	return srv.Shutdown(shCtx)
}
