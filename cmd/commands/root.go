// Package commands implements the CLI surface the core actually observes:
// --producer-name (repeatable, one per signature provider) plus the
// identity-mode switch, continuing cmd/commands' cobra+viper wiring. Process
// lifecycle (start/stop) beyond constructing these objects is the host's
// concern.
package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tendermint/tendermint/libs/log"

	"chainbft_finality/config"
)

var (
	homeDir string
	logger  = log.NewTMLogger(log.NewSyncWriter(os.Stdout)).With("module", "randpa")

	cfg = config.DefaultConfig()
)

// RootCmd is the finality gadget's standalone CLI root; a host chain's own
// cmd/main.go mounts these same subcommands alongside its block-production
// flags.
var RootCmd = &cobra.Command{
	Use:   "randpa",
	Short: "BFT finality gadget for a DPoS block-production chain",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "node home directory")
	RootCmd.PersistentFlags().StringSlice("producer-name", nil, "signature-provider key name; repeat for multiple providers")
	RootCmd.PersistentFlags().String("mode", string(config.ModeFullNode), "identity mode: full-node or block-producer")
	RootCmd.PersistentFlags().Uint32("round-width", cfg.RoundWidth, "blocks per round")
	RootCmd.PersistentFlags().Uint32("prevote-width", cfg.PrevoteWidth, "blocks into the round at which prevote ends")
	RootCmd.PersistentFlags().String("rpc-laddr", "", "address the proof/finality query RPC server binds to; empty disables it")

	viper.SetEnvPrefix("RANDPA")
	viper.AutomaticEnv()
}

func bindConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		return err
	}
	cfg.ProducerNames = viper.GetStringSlice("producer-name")
	if len(cfg.ProducerNames) > 0 {
		cfg.Mode = config.ModeBlockProducer
	} else if m := viper.GetString("mode"); m != "" {
		cfg.Mode = config.Mode(m)
	}
	if rw := viper.GetUint32("round-width"); rw > 0 {
		cfg.RoundWidth = rw
	}
	if pw := viper.GetUint32("prevote-width"); pw > 0 || viper.IsSet("prevote-width") {
		cfg.PrevoteWidth = pw
	}
	cfg.RPCListenAddr = viper.GetString("rpc-laddr")
	return nil
}

// Config returns the bound configuration, for the host process that
// constructs the engine, transport and rpc server around it.
func Config() *config.Config { return cfg }

// Logger returns the CLI's logger, for the same host wiring.
func Logger() log.Logger { return logger }
