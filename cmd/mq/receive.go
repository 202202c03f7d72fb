package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/client"
	"github.com/SWAI-Ltd/mqbox/internal/crypto"
)

func newReceiveCmd(g *globalOptions) *cobra.Command {
	var key, listen, advertise string

	cmd := &cobra.Command{
		Use:   "receive <broker> <receiverID>",
		Short: "Collect messages for <receiverID> until interrupted",
		Long:  "Registers with the broker, prints any messages it held for <receiverID>, then prints new ones as they arrive.",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return err
			}
			_, err := parseID("receiverID", args[1])
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			receiverID, _ := parseID("receiverID", args[1])
			return runReceive(cmd, g, args[0], receiverID, key, listen, advertise)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "private key (hex) used to open sealed text")
	cmd.Flags().StringVar(&listen, "listen", "", "callback listen address (default any port)")
	cmd.Flags().StringVar(&advertise, "advertise", "", "callback address handed to the broker")
	return cmd
}

func runReceive(cmd *cobra.Command, g *globalOptions, brokerName string, receiverID int, key, listen, advertise string) (err error) {
	var private *[crypto.PrivateKeySize]byte
	if key != "" {
		if private, err = crypto.ParseKey(key); err != nil {
			return err
		}
	}

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

	r, err := client.NewReceiver(ctx, client.ReceiverConfig{
		Config: client.Config{
			Registry:      reg,
			Addr:          listen,
			AdvertiseAddr: advertise,
			Logger:        logger,
		},
		Broker:     brokerName,
		ReceiverID: receiverID,
		Key:        private,
	})
	if err != nil {
		return fmt.Errorf("register with %s: %w", brokerName, err)
	}
	defer func() { err = multierr.Append(err, r.Close()) }()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.Messages():
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "From %d: \"%s\"\n", msg.SenderID, msg.Text)
		}
	}
}
