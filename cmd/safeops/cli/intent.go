package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/safeops-dev/safeops/internal/core"
	"github.com/safeops-dev/safeops/internal/grpcapi"
	"github.com/safeops-dev/safeops/internal/journey"
)

// RegisterIntentCommands adds the prompt and intent commands to the root.
func RegisterIntentCommands(root *cobra.Command) {
	intentCmd := &cobra.Command{
		Use:     "intent",
		Aliases: []string{"i"},
		Short:   "Run and inspect natural-language requests",
	}

	intentCmd.AddCommand(newIntentRunCmd())
	intentCmd.AddCommand(newIntentConfirmCmd())
	intentCmd.AddCommand(newIntentShowCmd())
	intentCmd.AddCommand(newIntentHistoryCmd())

	root.AddCommand(intentCmd)
}

func newIntentRunCmd() *cobra.Command {
	var thread string

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Classify, validate and run a request",
		Example: `  safeops intent run "show me my AWS costs this month"
  safeops intent run "stop aws instance i-0abc12345def67890"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			out, err := svc.ProcessIntent(cmd.Context(), grpcapi.ProcessRequest{
				Prompt:   strings.Join(args, " "),
				UserID:   userFlag,
				OrgID:    orgFlag,
				ThreadID: thread,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out)
			}

			printIntent(out.Intent)
			switch out.Type {
			case journey.OutcomeBlocked:
				fmt.Printf("\nBlocked: %s\n", out.Message)
			case journey.OutcomeConfirmationRequired:
				fmt.Printf("\n%s\nRun: safeops intent confirm %s\n", out.Message, out.Intent.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&thread, "thread", "", "Conversation thread id")
	return cmd
}

func newIntentConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <intent-id>",
		Short: "Confirm and execute a pending intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			in, err := svc.AdvanceIntent(cmd.Context(), args[0], "execute")
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(in)
			}
			printIntent(in)
			return nil
		},
	}
}

func newIntentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <intent-id>",
		Short: "Show one intent and its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			in, err := svc.GetIntent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(in)
			}
			printIntent(in)
			return nil
		},
	}
}

func newIntentHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			intents, err := svc.History(cmd.Context(), userFlag, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(intents)
			}
			if len(intents) == 0 {
				fmt.Println("No intents yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tACTION\tPROVIDER\tCONFIDENCE\tCREATED")
			for _, in := range intents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
					shortID(in.ID), in.Status, in.Action, in.Provider, in.Confidence,
					in.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum intents to show")
	return cmd
}

func printIntent(in *core.Intent) {
	if in == nil {
		return
	}
	fmt.Printf("Intent %s\n", in.ID)
	fmt.Printf("  Status:     %s\n", in.Status)
	fmt.Printf("  Type:       %s\n", in.IntentType)
	fmt.Printf("  Action:     %s on %s\n", in.Action, in.Provider)
	fmt.Printf("  Confidence: %.2f\n", in.Confidence)
	if in.Summary != "" {
		fmt.Printf("  Summary:    %s\n", in.Summary)
	}
	for i, s := range in.Steps {
		fmt.Printf("    %d. %s\n", i+1, s)
	}
	if in.Error != "" {
		fmt.Printf("  Error:      %s\n", in.Error)
	}
	if len(in.Result) > 0 {
		fmt.Printf("  Result:     %s\n", in.Result)
	}
	if in.ExecutionTimeMs > 0 {
		fmt.Printf("  Took:       %dms\n", in.ExecutionTimeMs)
	}
}
