package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soypete/phraseguard/pkg/server"
	"github.com/soypete/phraseguard/pkg/store"
)

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve mechanism sessions over WebSocket",
		Long: `Start the step server. Host loops connect to /ws, open a session with
their phrases, and send one step message per generation timestep.
/healthz reports liveness and /metrics exposes Prometheus metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			if listen == "" {
				listen = cfg.Server.Listen
			}

			opts := []server.Option{
				server.WithLogger(logger),
				server.WithMaxSessions(cfg.Server.MaxSessions),
				server.WithDefaultEpsilon(cfg.EpsilonValue()),
				server.WithStepRate(cfg.Server.StepRate, cfg.Server.StepBurst),
			}
			if cfg.Store.Driver != "memory" {
				es, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.URL)
				if err != nil {
					return err
				}
				defer es.Close()
				opts = append(opts, server.WithStore(es))
			}

			return server.New(opts...).Run(ctx, listen)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config)")
	return cmd
}
