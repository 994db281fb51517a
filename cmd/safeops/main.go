// safeops turns plain-language cloud requests into validated, audited
// provider calls against AWS and Google Cloud.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/safeops-dev/safeops/cmd/safeops/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "safeops",
		Short: "SafeOps: safe natural-language cloud operations",
		Long: `SafeOps classifies a plain-language request into a structured intent,
checks it against the confidence policy, and only then calls AWS or Google
Cloud. Mutating actions always need an explicit confirmation and are blocked
entirely while read-only mode is on (the default).`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterGlobalFlags(rootCmd)
	cli.RegisterIntentCommands(rootCmd)
	cli.RegisterConnectionCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)
	cli.RegisterHealthCommands(rootCmd)
	cli.RegisterConfigCommands(rootCmd)
	cli.RegisterRPCCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
