package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/mqbox/internal/crypto"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair for sealed message text",
		Long:  "Prints a key pair. Give the public key to senders (send --seal-to) and keep the private key for receive --key.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "public:  %s\n", hex.EncodeToString(keys.Public[:]))
			fmt.Fprintf(out, "private: %s\n", hex.EncodeToString(keys.Private[:]))
			return nil
		},
	}
}
