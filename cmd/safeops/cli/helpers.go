package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/safeops-dev/safeops/internal/config"
	"github.com/safeops-dev/safeops/internal/engine"
	"github.com/safeops-dev/safeops/internal/grpcapi"
)

var (
	userFlag    string
	orgFlag     string
	dataDirFlag string
	jsonOutput  bool
)

// RegisterGlobalFlags adds flags shared by every subcommand.
func RegisterGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&userFlag, "user", defaultUser(), "User the request is made as")
	root.PersistentFlags().StringVar(&orgFlag, "org", "", "Organization id (default: default)")
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Override the data directory")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

func defaultUser() string {
	if u := os.Getenv("SAFEOPS_USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	return cfg, nil
}

// openEngine loads the config and opens the engine. Without
// SAFEOPS_ENCRYPTION_KEY the vault passphrase comes from
// SAFEOPS_PASSPHRASE or an interactive prompt.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var passphrase string
	if cfg.EncryptionKey == "" {
		passphrase, err = readPassphrase()
		if err != nil {
			return nil, err
		}
	}

	e, err := engine.Open(ctx, cfg, engine.Options{Passphrase: passphrase})
	if err != nil {
		return nil, fmt.Errorf("opening engine: %w", err)
	}
	return e, nil
}

func openService(ctx context.Context) (*grpcapi.Service, func(), error) {
	e, err := openEngine(ctx)
	if err != nil {
		return nil, nil, err
	}
	return grpcapi.NewService(e), func() { e.Close() }, nil
}

func readPassphrase() (string, error) {
	if p := os.Getenv("SAFEOPS_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", engine.ErrNoVaultKey
	}
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	passBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(passBytes), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
