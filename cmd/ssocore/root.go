package main

import (
	"os"

	"github.com/spf13/cobra"
)

// commandRoot is a bare root command that prints help and exits 2 when
// invoked without a subcommand.
func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "ssocore",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandKey())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}
