package main

import (
	"github.com/spf13/cobra"

	"loginpilot/internal/adapter/gateway"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the verification pipeline over HTTP",
		Long: `serve exposes POST /api/login/verify, which runs one verification and
streams its progress as newline-delimited JSON, plus GET /api/profiles and
GET /healthz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g, setupOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			gwCfg := a.cfg.Gateway
			if addr != "" {
				gwCfg.Addr = addr
			}
			profiles := a.profiles()
			srv, err := gateway.NewServer(ctx, gwCfg, gateway.Deps{
				Runner:   a.pipeline(profiles),
				Profiles: profiles.Controller,
				Logger:   a.logger,
			})
			if err != nil {
				return err
			}
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides gateway.addr)")
	return cmd
}
