package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/safeops-dev/safeops/internal/grpcapi"
)

// RegisterRPCCommands adds the raw client for a running safeops-server.
func RegisterRPCCommands(root *cobra.Command) {
	var (
		addr    string
		tlsDir  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "rpc <method> [params-json]",
		Short: "Call a safeops-server method",
		Example: `  safeops rpc audit.verify --addr unix:///tmp/safeops.sock
  safeops rpc intent.process '{"prompt":"list my gcp resources","userId":"alice"}' --addr ops:50051 --tls-dir ~/.safeops/tls`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params any
			if len(args) == 2 {
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(args[1]), &raw); err != nil {
					return fmt.Errorf("params must be JSON: %w", err)
				}
				params = raw
			}

			c, err := grpcapi.Dial(addr, tlsDir)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := c.Call(ctx, args[0], params)
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return fmt.Errorf("%s: %s", args[0], resp.Error)
			}
			var pretty any
			if err := json.Unmarshal(resp.Result, &pretty); err != nil {
				fmt.Println(string(resp.Result))
				return nil
			}
			return printJSON(pretty)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "Server address (host:port or unix:///path)")
	cmd.Flags().StringVar(&tlsDir, "tls-dir", "", "Directory with ca.pem, client.pem and client-key.pem")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Call timeout")
	root.AddCommand(cmd)
}
