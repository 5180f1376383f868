package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sixseven/internal/store"
)

var statusSession string

var statusCmd = &cobra.Command{
	Use:   "status --session <id>",
	Short: "Show what a session is working on",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusSession, "session", "s", "", "session id")
	_ = statusCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Status(cmd.Context(), statusSession)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(res)
		return nil
	}
	fmt.Println(res.Message)
	if a := res.ActiveJob; a != nil {
		fmt.Printf("Job %s: %s %s, %d%% after %ds\n", store.ShortID(a.JobID), a.Kind, a.Status, a.Progress, a.ElapsedSeconds)
		if a.LastEvent != nil {
			fmt.Printf("Last event: %s\n", a.LastEvent.Message)
		}
	}
	return nil
}
