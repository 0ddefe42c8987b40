package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/arggraph/internal/httpapi"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	StorageOptions
	Addr  string
	Redis string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the document store and relays over HTTP",
		Long: `Serve the durable update log, mindchange and meta stores over HTTP, and
relay presence and document updates over WebSocket.

Settings come from --config (YAML) and are overridden by flags.

Example:
  arggraph serve --db ./arggraph.db --addr :8080
  arggraph serve --config ./arggraph.yaml --redis localhost:6379`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "Redis address for presence fan-out (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	cfg, err := opts.resolve()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Redis != "" {
		cfg.RedisAddr = opts.Redis
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	backend, err := openBackend(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	srvOpts := httpapi.Options{Keep: cfg.CompactionKeep, Logger: logger}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return WrapExitError(ExitCommandError, CodeStorage, "failed to connect to redis", err)
		}
		defer rdb.Close()
		srvOpts.Redis = rdb
		logger.Info("presence fan-out via redis", "addr", cfg.RedisAddr)
	}
	api := httpapi.NewServer(backend, srvOpts)
	defer api.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeServer, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	backendName := "sqlite"
	if cfg.PostgresURL != "" {
		backendName = "postgres"
	}
	logger.Info("server started", "addr", ln.Addr().String(), "backend", backendName)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, CodeServer, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Hijacked relay connections are not tracked by Shutdown; closing the
	// API ends them.
	api.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, CodeServer, "shutdown failed", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
