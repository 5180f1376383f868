package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sixseven/internal/client"
	"sixseven/internal/dialogue"
	"sixseven/internal/orchestrator"
	"sixseven/internal/store"
)

const waitInterval = time.Second

var (
	saySession     string
	sayImage       string
	sayAspect      string
	sayImagination string
	sayTimezone    string
	sayWait        bool
)

var sayCmd = &cobra.Command{
	Use:   "say <command...>",
	Short: "Send a command, e.g. 'research solid state batteries'",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSay,
}

func init() {
	sayCmd.Flags().StringVarP(&saySession, "session", "s", "", "session id (generated when empty)")
	sayCmd.Flags().StringVar(&sayImage, "image", "", "reference image file for creative commands")
	sayCmd.Flags().StringVar(&sayAspect, "aspect", "", "aspect ratio for creative jobs, e.g. 16:9")
	sayCmd.Flags().StringVar(&sayImagination, "imagination", "", "imagination level for creative jobs")
	sayCmd.Flags().StringVar(&sayTimezone, "timezone", "", "IANA timezone for research jobs")
	sayCmd.Flags().BoolVarP(&sayWait, "wait", "w", false, "wait for the job to finish and print its result")
	rootCmd.AddCommand(sayCmd)
}

func runSay(cmd *cobra.Command, args []string) error {
	req := orchestrator.CommandRequest{
		CommandText: strings.Join(args, " "),
		SessionID:   saySession,
		Timezone:    sayTimezone,
		Imagination: sayImagination,
		AspectRatio: sayAspect,
	}
	if sayImage != "" {
		img, err := encodeImage(sayImage)
		if err != nil {
			return err
		}
		req.Image = img
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.Command(cmd.Context(), req)
	if err != nil {
		return err
	}

	if !sayWait || resp.JobID == "" {
		if jsonOut {
			printJSON(resp)
			return nil
		}
		printCommand(resp)
		return nil
	}

	if !jsonOut {
		printCommand(resp)
	}
	job, err := waitForJob(cmd.Context(), c, resp.JobID, !jsonOut)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(job)
		return nil
	}
	fmt.Println(dialogue.ForJob(job).Speakable)
	return nil
}

func encodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func printCommand(resp orchestrator.CommandResponse) {
	fmt.Println(resp.Message)
	if resp.JobID != "" {
		fmt.Printf("Job %s (%s) in session %s\n", store.ShortID(resp.JobID), resp.Status, resp.SessionID)
	}
}

func waitForJob(ctx context.Context, c *client.Client, jobID string, progress bool) (store.Job, error) {
	return c.WaitForJob(ctx, jobID, waitInterval, func(job store.Job) {
		if progress {
			fmt.Fprintf(os.Stderr, "  %s %d%%\n", job.Status, job.Progress)
		}
	})
}
