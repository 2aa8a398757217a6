package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deskpilot/deskpilot/internal/config"
	"github.com/deskpilot/deskpilot/internal/server"
)

var serveHost string
var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	Long: `Start the deskpilot server. Clients connect over REST for polling or
over the websocket at /ws for live sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		st, err := buildStack(cfg)
		if err != nil {
			return err
		}
		defer st.close()

		srv := server.New(st.orch, server.Config{
			Host:  cfg.Server.Host,
			Port:  cfg.Server.Port,
			Debug: cfg.Server.Debug,
		}, server.WithDebugLog(st.logger.Log))

		// Config edits take effect on restart; just surface them.
		if err := config.Watch(func(*config.Config) {
			color.Yellow("config changed on disk; restart to apply")
		}); err != nil {
			st.logger.Log("config watch unavailable: %v", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		color.Green("deskpilot listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides config)")
}
