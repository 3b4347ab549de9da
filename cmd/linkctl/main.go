// Command linkctl issues and inspects purchase-link tokens offline, using
// the same PURCHASE_LINK_SECRET as the server.
//
// Usage:
//
//	linkctl issue --business-id biz_42 --business-name "Acme Corp" --price 29700
//	linkctl inspect <token>
//	linkctl fingerprint <token>
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "linkctl",
		Short:         "Issue and inspect signed purchase-link tokens",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(issueCmd(getenv))
	rootCmd.AddCommand(inspectCmd(getenv))
	rootCmd.AddCommand(fingerprintCmd())
	return rootCmd
}
