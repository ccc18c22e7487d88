// File: cmd/proxy.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/interception"
	"github.com/xkilldash9x/shopcheck/internal/observability"
)

func newProxyCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the rewriting HTTP proxy for browsers shopcheck does not drive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Interception.ProxyAddr
			}
			logger := observability.GetLogger()

			rw := interception.NewRewriter(cfg.Interception, logger)
			p, err := interception.NewProxy(rw, cfg.Interception, logger)
			if err != nil {
				return fmt.Errorf("failed to create proxy: %w", err)
			}
			if err := p.Listen(addr); err != nil {
				return err
			}
			logger.Info("Proxy listening.", zap.String("address", p.Addr()), zap.Bool("mitm", p.MITMEnabled()))
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", p.Addr())
			// Serve returns once the signal-aware context is cancelled.
			return p.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default interception.proxy_addr)")
	return cmd
}
