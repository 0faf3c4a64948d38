package main

import (
	"fmt"
	"os"

	"github.com/tendermint/tendermint/libs/cli"

	"chainbft_finality/cmd/commands"
)

func main() {
	rootCmd := commands.RootCmd
	rootCmd.AddCommand(
		commands.GenSignatureProviderCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	cmd := cli.PrepareBaseCmd(rootCmd, "RANDPA", os.ExpandEnv("$HOME/.randpa"))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
