package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/nhalm/installrelay/config"
	"github.com/nhalm/installrelay/logging"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the installer script, /stats and /healthz",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
			}
			return serve(cmd.Context(), cfg, ln)
		},
	}
}

// serve runs the relay on ln until ctx is done or the server fails, then shuts
// down the HTTP server, the worker pool and the store, in that order.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	logging.AddMany(ctx, map[string]any{
		"event":    "server_started",
		"addr":     ln.Addr().String(),
		"backend":  cfg.Store.Backend,
		"upstream": cfg.Relay.UpstreamURL,
	})

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	var httpErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		httpErr = fmt.Errorf("http shutdown: %w", err)
	}
	appErr := a.shutdown(shutdownCtx)

	err = errors.Join(serveErr, httpErr, appErr)
	fields := map[string]any{"event": "server_stopped"}
	if err != nil {
		logging.Error(ctx, err, fields)
	} else {
		logging.AddMany(ctx, fields)
	}
	return err
}
