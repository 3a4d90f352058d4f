package cli

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/gateway"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve state tables over HTTP",
		Long: `Serve the HTTP gateway: key writes, pops, pending counts, websocket
watch streams and Prometheus metrics.

Example:
  statesync serve --addr 127.0.0.1:8080
  statesync --config statesync.yaml serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			if addr == "" {
				addr = e.cfg.HTTP.Addr
			}
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return e.out.Fail(ExitCommandError, CodeArgs, "failed to listen", err)
			}

			srv := gateway.New(e.backend,
				gateway.WithLogger(e.logger),
				gateway.WithBatchSize(e.cfg.PopBatchSize))
			defer srv.Close()

			ctx, cancel := signalContext(commandContext(cmd), e.logger)
			defer cancel()

			e.out.VerboseLog("listening on %s", l.Addr())
			if err := srv.Serve(ctx, l); err != nil {
				return e.out.Fail(ExitFailure, CodeOperation, "gateway error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default http.addr from config)")

	return cmd
}
