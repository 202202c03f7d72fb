package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/client"
)

func newLogCmd(g *globalOptions) *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print traffic counters of every matching broker",
		Long:  "Subscribes to every broker whose name matches --pattern, including brokers started later, and prints their counters as they change.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd, g, pattern)
		},
	}

	cmd.Flags().StringVarP(&pattern, "pattern", "p", "*", "broker name pattern (glob)")
	return cmd
}

func runLog(cmd *cobra.Command, g *globalOptions, pattern string) (err error) {
	cfg, logger, err := g.load(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := cfg.Registry.Open(logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer func() { err = multierr.Append(err, reg.Close()) }()

	m, err := client.NewMonitor(ctx, client.MonitorConfig{
		Config:  client.Config{Registry: reg, Logger: logger},
		Pattern: pattern,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, m.Close()) }()
	logger.Info("watching brokers", "pattern", pattern, "brokers", m.Brokers())

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-m.Events():
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "%s: %d incoming, %d outgoing\n", ev.Broker, ev.Incoming, ev.Outgoing)
		}
	}
}
