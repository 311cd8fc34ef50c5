package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/referra/internal/app"
	"github.com/roach88/referra/internal/httpapi"
	"github.com/roach88/referra/internal/logging"
)

// shutdownTimeout bounds HTTP draining and the final ledger flush.
const shutdownTimeout = 15 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string

	// Listener overrides Addr (for testing).
	Listener net.Listener
	// Ready, if set, is closed once the API accepts requests.
	Ready chan struct{}
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger, the confirmation sweep and the HTTP API",
		Long: `Run the referral ledger with the configured backend, the periodic
confirmation sweep, and the host integration API.

SIGINT or SIGTERM shuts down after flushing pending writes. SIGHUP reloads the
configuration: the policy always, the backend when its settings changed.

Example:
  referra serve --config referra.yml
  REFERRA_DATABASE_TYPE=sqlite referra serve --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}

	logger, logCloser, err := logging.New(cfg.Log, cmd.ErrOrStderr(), opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	defer logCloser.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	logger.Info("opening ledger", "backend", string(cfg.Kind()))
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("error closing ledger", "error", err)
		}
	}()

	reload := func(ctx context.Context) error {
		next, err := opts.loadConfig()
		if err != nil {
			return err
		}
		if opts.Addr != "" {
			next.HTTP.Addr = opts.Addr
		}
		return a.Reload(ctx, next)
	}

	api := httpapi.New(httpapi.Config{
		Ledger:                a.Ledger,
		Sessions:              a,
		Reload:                reload,
		Metrics:               a.Metrics,
		Logger:                logger,
		PersistWait:           cfg.PersistWait(),
		ReferralRatePerMinute: cfg.HTTP.ReferralRatePerMinute,
		ReferralBurst:         cfg.HTTP.ReferralBurst,
	})
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln := opts.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					reloadOnSignal(ctx, logger, reload)
					continue
				}
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	logger.Info("serving", "addr", ln.Addr().String(), "backend", string(cfg.Kind()))
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())
	if opts.Ready != nil {
		close(opts.Ready)
	}

	var failure error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			failure = WrapExitError(ExitFailure, "http server error", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := <-runErr; err != nil && failure == nil {
		failure = WrapExitError(ExitFailure, "scheduler error", err)
	}

	logger.Info("stopped")
	return failure
}

func reloadOnSignal(ctx context.Context, logger *slog.Logger, reload func(context.Context) error) {
	logger.Info("received SIGHUP, reloading configuration")
	if err := reload(ctx); err != nil {
		logger.Error("reload failed; previous configuration kept", "error", err)
	}
}
