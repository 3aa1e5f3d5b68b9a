package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/danmuck/termbus/internal/auth"
	"github.com/danmuck/termbus/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().String("listen", "", "admin listen address (default from profile, then bus config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an embedded driver with its admin HTTP surface",
	Long: `Run an embedded driver until interrupted, exposing /health, /ready,
/metrics, /resources and /counters on the admin address.

Examples:
  busctl serve
  busctl serve --listen 0.0.0.0:7070`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := busCfg.Admin.Addr
		if active.Listen != "" {
			addr = active.Listen
		}
		if v, _ := cmd.Flags().GetString("listen"); cmd.Flags().Changed("listen") {
			addr = v
		}

		d, err := startDriver()
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		admin := server.New(addr, busCfg.Admin.CorsOrigins, d)
		if busCfg.Admin.Token != "" {
			admin.RequireToken(auth.StaticToken{Token: busCfg.Admin.Token})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s driver=%s admin=%s\n", headFmt("serving"), d.ID(), okFmt("http://"+addr))
		err = admin.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("addr", addr).Msg("busctl.serve admin failed")
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dimFmt("stopped"))
		return nil
	},
}
