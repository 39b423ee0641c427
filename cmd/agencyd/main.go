package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	agencycli "github.com/quorumdb/agency/pkg/cli"
)

var version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "agencyd",
		Short:         "quorumdb agency peer and client CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agencyd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	agencycli.AddAll(root)
	return root
}
