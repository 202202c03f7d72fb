package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/mqbox/client"
	"github.com/SWAI-Ltd/mqbox/internal/crypto"
)

func newSendCmd(g *globalOptions) *cobra.Command {
	var (
		sealTo  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <broker> <senderID> <receiverID> <text>",
		Short: "Send one message through a broker",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(4)(cmd, args); err != nil {
				return err
			}
			if _, err := parseID("senderID", args[1]); err != nil {
				return err
			}
			_, err := parseID("receiverID", args[2])
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			senderID, _ := parseID("senderID", args[1])
			receiverID, _ := parseID("receiverID", args[2])
			msg := client.Message{SenderID: senderID, ReceiverID: receiverID, Text: args[3]}
			return runSend(cmd, g, args[0], msg, sealTo, timeout)
		},
	}

	cmd.Flags().StringVar(&sealTo, "seal-to", "", "receiver public key (hex); seals the text end to end")
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultCallTimeout, "how long to wait for the broker")
	return cmd
}

func runSend(cmd *cobra.Command, g *globalOptions, brokerName string, msg client.Message, sealTo string, timeout time.Duration) (err error) {
	var recipient *[crypto.PublicKeySize]byte
	if sealTo != "" {
		if recipient, err = crypto.ParseKey(sealTo); err != nil {
			return err
		}
	}

	cfg, logger, err := g.load(cmd)
	if err != nil {
		return err
	}
	reg, err := cfg.Registry.Open(logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer func() { err = multierr.Append(err, reg.Close()) }()

	s := client.NewSender(reg)
	defer func() { err = multierr.Append(err, s.Close()) }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if recipient != nil {
		err = s.SendSealed(ctx, brokerName, msg, recipient)
	} else {
		err = s.Send(ctx, brokerName, msg)
	}
	if err != nil {
		return fmt.Errorf("send to %s: %w", brokerName, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "To %d: \"%s\"\n", msg.ReceiverID, msg.Text)
	return nil
}
