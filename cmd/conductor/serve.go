package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conductor/internal/kernel"
	"conductor/pkg/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  `Starts the orchestrator behind the HTTP API and runs until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		return err
	}
	if err := k.Start(); err != nil {
		_ = k.Stop()
		return err
	}

	<-ctx.Done()
	k.Logger.Info("Shutdown requested")
	if err := k.Stop(); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}
