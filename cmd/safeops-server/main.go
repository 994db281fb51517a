// safeops-server serves the SafeOps engine over gRPC with JSON-RPC dispatch,
// on a local unix socket or over mutual TLS for remote operators.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/safeops-dev/safeops/internal/config"
	"github.com/safeops-dev/safeops/internal/engine"
	"github.com/safeops-dev/safeops/internal/grpcapi"
	"github.com/safeops-dev/safeops/internal/pki"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "safeops-server",
		Short:        "SafeOps API server",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInitPKICmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		addr     string
		socket   string
		tlsDir   string
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			var passphrase string
			if cfg.EncryptionKey == "" {
				passphrase = os.Getenv("SAFEOPS_PASSPHRASE")
				if passphrase == "" && term.IsTerminal(int(os.Stdin.Fd())) {
					fmt.Fprint(os.Stderr, "Vault passphrase: ")
					b, err := term.ReadPassword(int(os.Stdin.Fd()))
					fmt.Fprintln(os.Stderr)
					if err != nil {
						return fmt.Errorf("reading passphrase: %w", err)
					}
					passphrase = string(b)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := engine.Open(ctx, cfg, engine.Options{Passphrase: passphrase})
			if err != nil {
				return fmt.Errorf("opening engine: %w", err)
			}
			defer e.Close()

			var server *grpcapi.Server
			switch {
			case socket != "":
				server, err = grpcapi.NewServer(socket, e)
			case insecure:
				e.Logger.Warn().Str("addr", addr).Msg("serving without TLS; local development only")
				server, err = grpcapi.NewTCPServer(addr, e)
			default:
				if tlsDir == "" {
					tlsDir = filepath.Join(config.Dir(), "tls")
				}
				server, err = grpcapi.NewMTLSServer(addr, tlsDir, e)
				if err != nil {
					err = fmt.Errorf("%w\nRun 'safeops-server init-pki' first, or use --insecure for local development", err)
				}
			}
			if err != nil {
				return fmt.Errorf("starting server: %w", err)
			}

			go func() {
				<-ctx.Done()
				e.Logger.Info().Msg("shutting down")
				server.Stop()
			}()

			e.Logger.Info().
				Str("addr", server.Addr().String()).
				Bool("read_only", e.Gate.ReadOnly()).
				Msg("safeops-server listening")
			return server.Serve()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":50051", "TCP listen address")
	cmd.Flags().StringVar(&socket, "socket", "", "Serve on this unix socket instead of TCP")
	cmd.Flags().StringVar(&tlsDir, "tls-dir", "", "Directory written by init-pki (default: ~/.safeops/tls)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Disable mTLS (local development only)")
	return cmd
}

func newInitPKICmd() *cobra.Command {
	var (
		dir      string
		hosts    []string
		operator string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init-pki",
		Short: "Generate a CA plus server and client certificates",
		Long: `Generate a private CA and sign a server certificate and one operator
client certificate with it. The directory will contain:

  ca.pem, ca-key.pem          CA (keep the key offline)
  server.pem, server-key.pem  used by 'safeops-server serve'
  client.pem, client-key.pem  used by 'safeops rpc --tls-dir'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = filepath.Join(config.Dir(), "tls")
			}
			if _, err := os.Stat(filepath.Join(dir, pki.CAFile)); err == nil && !force {
				return fmt.Errorf("PKI already initialized in %s (use --force to replace it)", dir)
			}

			set, err := pki.Issue(hosts, operator)
			if err != nil {
				return err
			}
			if err := pki.WriteBundles(dir, set); err != nil {
				return err
			}
			fmt.Printf("PKI written to %s\n", dir)
			fmt.Printf("Start the server with: safeops-server serve --tls-dir %s\n", dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Output directory (default: ~/.safeops/tls)")
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Extra server hostnames or IPs (localhost and 127.0.0.1 are always included)")
	cmd.Flags().StringVar(&operator, "operator", "operator", "Common name of the client certificate")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing PKI")
	return cmd
}
