package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/safeops-dev/safeops/internal/config"
)

// RegisterConfigCommands adds config inspection commands to the root.
func RegisterConfigCommands(root *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})

	var readOnly bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if dataDirFlag != "" {
				cfg.DataDir = dataDirFlag
			}
			cfg.ReadOnly = readOnly
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", filepath.Join(config.Dir(), config.ConfigFileName))
			if !cfg.ReadOnly {
				fmt.Println("WARNING: read-only mode is off; confirmed stop actions will reach your cloud.")
			}
			return nil
		},
	}
	initCmd.Flags().BoolVar(&readOnly, "read-only", true, "Block every mutating provider call")
	configCmd.AddCommand(initCmd)

	root.AddCommand(configCmd)
}
