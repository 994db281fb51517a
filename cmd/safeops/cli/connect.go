package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/safeops-dev/safeops/internal/core"
	"github.com/safeops-dev/safeops/internal/grpcapi"
)

// RegisterConnectionCommands adds credential management commands to the root.
func RegisterConnectionCommands(root *cobra.Command) {
	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Store cloud credentials in the encrypted vault",
	}
	connectCmd.AddCommand(newConnectAWSCmd())
	connectCmd.AddCommand(newConnectGCPCmd())

	root.AddCommand(connectCmd)
	root.AddCommand(newConnectionsCmd())
	root.AddCommand(newDisconnectCmd())
}

func newConnectAWSCmd() *cobra.Command {
	var (
		accessKey    string
		secretKey    string
		sessionToken string
		roleArn      string
		externalID   string
		region       string
		accountID    string
		fromFile     string
	)

	cmd := &cobra.Command{
		Use:   "aws",
		Short: "Connect AWS with access keys or an assumable role",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := map[string]any{}
			if fromFile != "" {
				var err error
				if creds, err = readCredentialFile(fromFile); err != nil {
					return err
				}
			}
			setIf(creds, "accessKeyId", accessKey)
			setIf(creds, "secretAccessKey", secretKey)
			setIf(creds, "sessionToken", sessionToken)
			setIf(creds, "roleArn", roleArn)
			setIf(creds, "externalId", externalID)
			setIf(creds, "region", region)
			setIf(creds, "accountId", accountID)
			if creds["roleArn"] == nil && (creds["accessKeyId"] == nil || creds["secretAccessKey"] == nil) {
				return fmt.Errorf("either --access-key-id and --secret-access-key, or --role-arn, is required")
			}
			return storeConnection(cmd, core.ProviderAWS, creds)
		},
	}

	cmd.Flags().StringVar(&accessKey, "access-key-id", "", "AWS access key id")
	cmd.Flags().StringVar(&secretKey, "secret-access-key", "", "AWS secret access key")
	cmd.Flags().StringVar(&sessionToken, "session-token", "", "AWS session token for temporary keys")
	cmd.Flags().StringVar(&roleArn, "role-arn", "", "Role to assume with ambient credentials")
	cmd.Flags().StringVar(&externalID, "external-id", "", "External id for the role trust policy")
	cmd.Flags().StringVar(&region, "region", "", "Default region for this connection")
	cmd.Flags().StringVar(&accountID, "account-id", "", "Account id shown in connection status")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "JSON file holding the credential object")
	return cmd
}

func newConnectGCPCmd() *cobra.Command {
	var (
		keyFile      string
		projectID    string
		accessToken  string
		refreshToken string
	)

	cmd := &cobra.Command{
		Use:   "gcp",
		Short: "Connect Google Cloud with a service account key or OAuth tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := map[string]any{}
			if keyFile != "" {
				var err error
				if creds, err = readCredentialFile(keyFile); err != nil {
					return err
				}
				if projectID == "" {
					if p, ok := creds["project_id"].(string); ok {
						projectID = p
					}
				}
			}
			setIf(creds, "projectId", projectID)
			setIf(creds, "accessToken", accessToken)
			setIf(creds, "refreshToken", refreshToken)
			if len(creds) == 0 {
				return fmt.Errorf("--key-file or --access-token/--refresh-token is required")
			}
			return storeConnection(cmd, core.ProviderGCP, creds)
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "Service account JSON key or saved OAuth token file")
	cmd.Flags().StringVar(&projectID, "project", "", "Google Cloud project id")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "OAuth access token")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	return cmd
}

func storeConnection(cmd *cobra.Command, provider core.Provider, creds map[string]any) error {
	svc, done, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	if err := svc.StoreConnection(cmd.Context(), userFlag, provider, creds); err != nil {
		return err
	}
	fmt.Printf("Connected %s for %s.\n", provider, userFlag)
	return nil
}

func newConnectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List stored cloud connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			conns, err := svc.ConnectionStatus(cmd.Context(), userFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(conns)
			}
			if len(conns) == 0 {
				fmt.Println("No connections. Add one with: safeops connect aws|gcp")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTATUS\tACCOUNT/PROJECT\tCONNECTED")
			for _, c := range conns {
				id := c.AccountID
				if id == "" {
					id = c.ProjectID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Provider, c.Status, id, c.ConnectedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <aws|gcp>",
		Short: "Remove stored credentials for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := grpcapi.ParseProvider(args[0])
			if err != nil {
				return err
			}
			svc, done, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := svc.Disconnect(cmd.Context(), userFlag, provider); err != nil {
				return err
			}
			fmt.Printf("Disconnected %s.\n", provider)
			return nil
		},
	}
}

func readCredentialFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var creds map[string]any
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%s is not a JSON object: %w", path, err)
	}
	if creds == nil {
		creds = map[string]any{}
	}
	return creds, nil
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
