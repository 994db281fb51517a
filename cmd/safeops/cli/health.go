package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/safeops-dev/safeops/internal/core"
	"github.com/safeops-dev/safeops/internal/grpcapi"
)

// RegisterHealthCommands adds the provider health check to the root.
func RegisterHealthCommands(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "health [aws|gcp]",
		Short: "Check that provider credentials resolve and work",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := core.ProviderMulti
			if len(args) == 1 {
				p, err := grpcapi.ParseProvider(args[0])
				if err != nil {
					return err
				}
				provider = p
			}

			svc, done, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			results, err := svc.ProviderHealth(cmd.Context(), userFlag, provider)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(results)
			}
			for _, h := range results {
				state := "ok"
				if !h.Healthy {
					state = "FAIL"
				}
				fmt.Printf("%-4s %-4s", h.Provider, state)
				if h.Identity != "" {
					fmt.Printf("  %s (%s)", h.Identity, h.Source)
				}
				if h.Message != "" {
					fmt.Printf("  %s", h.Message)
				}
				fmt.Println()
			}
			return nil
		},
	})
}
