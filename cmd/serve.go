package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/speakcapture/speakcapture/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for the practice frontend",
	Long: `Start the SpeakCapture HTTP API. The frontend selects a question, starts
and stops recordings, reviews the artifact and saves it.

The server prints the local network URL for access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = cfg.Server.Port
		}
		noDB, _ := cmd.Flags().GetBool("no-db")

		if cfg.Server.Mode == "release" {
			gin.SetMode(gin.ReleaseMode)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, !noDB)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		defer a.Close()

		if a.repo != nil {
			if err := a.repo.Migrate(ctx); err != nil {
				return err
			}
		}

		slog.Info("SpeakCapture web server starting", "port", port, "config", cfgFile, "database", !noDB)

		srv := server.New(a.svc, port, a.metrics.Handler())
		if a.repo != nil {
			srv.WithDatabaseCheck(a.repo.Ping)
		}
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (overrides config)")
	serveCmd.Flags().Bool("no-db", false, "run without PostgreSQL; saving is disabled")
}
