package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sixseven/internal/orchestrator"
)

var cancelSession string

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id> | --session <id>",
	Short: "Cancel a job, or the active job of a session",
	Args:  cobra.ArbitraryArgs,
	RunE:  runCancel,
}

func init() {
	cancelCmd.Flags().StringVarP(&cancelSession, "session", "s", "", "cancel the session's active job")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	if cancelSession != "" && len(args) > 0 {
		return fmt.Errorf("cannot use <job-id> with --session")
	}
	if cancelSession == "" && len(args) != 1 {
		return fmt.Errorf("expected exactly one <job-id> or use --session")
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	if cancelSession != "" {
		// Same path as a spoken "cancel".
		resp, err := c.Command(cmd.Context(), orchestrator.CommandRequest{CommandText: "cancel", SessionID: cancelSession})
		if err != nil {
			return err
		}
		if jsonOut {
			printJSON(resp)
			return nil
		}
		fmt.Println(resp.Message)
		return nil
	}

	resp, err := c.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(resp)
		return nil
	}
	fmt.Printf("%s: %s\n", resp.JobID, resp.Message)
	return nil
}
