package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vpnward/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the accounting and expiry engine",
	Long: `Run the orchestrator in the foreground.

On start it recovers sessions left open by a previous run, re-arms pending
ephemeral revocations and revokes any that came due while it was down.
It then reconciles the status file every tick_interval until SIGINT or SIGTERM.
The read-only HTTP API is started when api_listen is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logFile, _ := cmd.Flags().GetString("log-file")
		listen, _ := cmd.Flags().GetString("api-listen")
		if listen == "" {
			listen = appConfig.APIListen
		}

		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		if logFile != "" {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			defer f.Close()
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return appInstance.Engine.Run(ctx)
		})
		if listen != "" {
			server := api.NewServer(appInstance.Query, appInstance.Engine)
			g.Go(func() error {
				return server.Run(ctx, listen)
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("log-file", "", "also append logs to this file")
	serveCmd.Flags().String("api-listen", "", "serve the read-only API on this address (overrides api_listen)")
	rootCmd.AddCommand(serveCmd)
}
