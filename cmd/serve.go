package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/quote-harvester/internal/api"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand, which exposes harvests over HTTP.
func newServeCmd() *cobra.Command {
	var port, concurrency int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the harvest API, health probes and Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.GetConfig()
			listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return serve(cmd.Context(), listener, appInstance)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "maximum concurrent fetches across all runs (default from config)")
	return cmd
}

// serve runs the API on listener until ctx is canceled, then drains in-flight
// requests for up to shutdownTimeout.
func serve(ctx context.Context, listener net.Listener, appInstance App) error {
	logger := appInstance.GetLogger()
	cfg := appInstance.GetConfig()
	apiServer := api.NewServer(appInstance.GetHarvester(), appInstance.GetRunStore(), cfg, logger.Named("api"))

	srv := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
