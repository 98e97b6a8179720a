package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pointstreamd/internal/api"
	"pointstreamd/internal/fetch"
	"pointstreamd/internal/logger"
	"pointstreamd/internal/session"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	var listenFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP playback API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if listenFlag != "" {
				cfg.Server.Listen = listenFlag
			}

			log := logger.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
			log.Infof("Starting pointstreamd with %d configured sequences", len(cfg.Sequences))

			fetcher := fetch.NewFetcher(&http.Client{}, log, cfg.Network.UserAgent)
			sessionMgr := session.NewManager(log, cfg, fetcher)
			router := api.New(log, cfg, sessionMgr)

			server := &http.Server{
				Addr:    cfg.Server.Listen,
				Handler: router,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Infof("Server listening on %s", cfg.Server.Listen)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				sessionMgr.Stop()
				return err
			case <-quit:
			}
			log.Infof("Server is shutting down...")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sessionMgr.Stop()
			if err := server.Shutdown(ctx); err != nil {
				return err
			}

			log.Infof("Server exited gracefully")
			return nil
		},
	}

	cmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "HTTP listen address (overrides config)")
	return cmd
}
