package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/internal/broker"
)

func newBrokerCmd(g *globalOptions) *cobra.Command {
	var listen, advertise string

	cmd := &cobra.Command{
		Use:   "broker <name>",
		Short: "Run a broker published under <name>",
		Long:  "Starts a broker, binds <name> in the registry and serves until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd, g, args[0], listen, advertise)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "QUIC listen address (overrides broker.listen)")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address published in the registry (overrides broker.advertise)")
	return cmd
}

func runBroker(cmd *cobra.Command, g *globalOptions, name, listen, advertise string) (err error) {
	cfg, logger, err := g.load(cmd)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Broker.Listen = listen
	}
	if advertise != "" {
		cfg.Broker.Advertise = advertise
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := cfg.Registry.Open(logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer func() { err = multierr.Append(err, reg.Close()) }()

	e, err := broker.Run(ctx, broker.Config{
		Name:                name,
		Addr:                cfg.Broker.Listen,
		AdvertiseAddr:       cfg.Broker.Advertise,
		Registry:            reg,
		DeliveryTimeout:     cfg.Broker.DeliveryTimeout,
		NotifyTimeout:       cfg.Broker.NotifyTimeout,
		LeaseDuration:       cfg.Broker.LeaseDuration,
		MaxObserverFailures: cfg.Broker.MaxObserverFailures,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("start broker %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "broker %s listening on %s\n", e.Name(), e.Addr())

	<-ctx.Done()
	logger.Info("broker shutting down", "name", e.Name())
	return e.Close()
}
