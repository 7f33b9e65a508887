package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  `Serves ingestion, search and generation under /api/v1 until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = opts.cfg.Server.Addr
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				srv := a.server()
				errCh := make(chan error, 1)
				go func() { errCh <- srv.Start(addr) }()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}

				a.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				return <-errCh
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
