package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/mqbox/internal/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
}

// load reads the config file (if any) and builds the logger, which writes to
// the command's stderr so that stdout only carries message output.
func (g *globalOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfg.Log.Logger(cmd.ErrOrStderr()), nil
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "mq",
		Short: "mqbox store-and-forward message broker",
		Long: "mqbox relays addressed text messages between senders and receivers.\n" +
			"Messages for a receiver that is not registered are held by the broker until it registers.",
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to mqbox config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newBrokerCmd(g))
	cmd.AddCommand(newSendCmd(g))
	cmd.AddCommand(newReceiveCmd(g))
	cmd.AddCommand(newLogCmd(g))
	cmd.AddCommand(newKeygenCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mq %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// parseID parses an integer positional argument.
func parseID(name, arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid <%s>: %q", name, arg)
	}
	return id, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
