package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tailormesh/server"
)

func serveCmd(configPath *string) *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.mesh, server.WithConfig(a.cfg), func(o *server.Options) {
				if addrFlag != "" {
					o.Addr = addrFlag
				}
				o.Logger = a.logger.WithComponent("http")
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			if a.cfg.Instructions.Watch {
				g.Go(func() error {
					return a.mesh.Instructions().Watch(gctx, a.mesh.Instructions().Paths())
				})
			}

			a.logger.Info("tailormesh started",
				"provider", a.cfg.Provider.Name,
				"model", a.mesh.Model().Info().Name,
				"ledger", a.cfg.Ledger.Path != "",
			)
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
