package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sixseven/internal/client"
	"sixseven/internal/store"
)

var (
	jobsSession string
	jobsType    string
	jobsStatus  string
	jobsLimit   int
	jobsSpeak   bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List and inspect jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job; a unique id prefix is enough",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

func init() {
	jobsListCmd.Flags().StringVarP(&jobsSession, "session", "s", "", "filter by session id")
	jobsListCmd.Flags().StringVar(&jobsType, "type", "", "filter by type: research or creative")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", store.DefaultListLimit, "maximum number of jobs (1-100)")
	jobsGetCmd.Flags().BoolVar(&jobsSpeak, "speak", false, "print the spoken summary instead of the job")
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	kind := store.Kind(jobsType)
	if kind != "" && !kind.Valid() {
		return fmt.Errorf("invalid --type %q (expected research or creative)", jobsType)
	}
	status := store.Status(jobsStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid --status %q (expected queued, running, succeeded, failed or cancelled)", jobsStatus)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	jobs, err := c.Jobs(cmd.Context(), client.ListOptions{SessionID: jobsSession, Kind: kind, Status: status, Limit: jobsLimit})
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(jobs)
		return nil
	}
	printJobList(jobs)
	return nil
}

func printJobList(jobs []store.Job) {
	if len(jobs) == 0 {
		fmt.Println("No jobs found. Send a command with 'sixseven say'.")
		return
	}
	fmt.Printf("%-10s %-10s %-10s %-5s %-45s %s\n", "JOB", "TYPE", "STATUS", "PROG", "QUERY", "UPDATED")
	fmt.Println(strings.Repeat("-", 100))
	active := 0
	for _, j := range jobs {
		fmt.Printf("%-10s %-10s %-10s %-5s %-45s %s\n",
			store.ShortID(j.ID), j.Kind, j.Status, fmt.Sprintf("%d%%", j.Progress),
			truncate(j.Input.Query, 45), j.UpdatedAt.Local().Format(time.DateTime))
		if !j.Status.IsTerminal() {
			active++
		}
	}
	fmt.Printf("Total: %d jobs (%d active)\n", len(jobs), active)
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if jobsSpeak {
		speech, err := c.Speech(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			printJSON(speech)
			return nil
		}
		fmt.Println(speech.Speakable)
		return nil
	}

	job, err := c.Job(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(job)
		return nil
	}
	printJob(job)
	return nil
}

func printJob(j store.Job) {
	fmt.Printf("Job:      %s\n", j.ID)
	fmt.Printf("Type:     %s\n", j.Kind)
	fmt.Printf("Status:   %s (%d%%)\n", j.Status, j.Progress)
	if j.SessionID != "" {
		fmt.Printf("Session:  %s\n", j.SessionID)
	}
	fmt.Printf("Query:    %s\n", j.Input.Query)
	fmt.Printf("Created:  %s\n", j.CreatedAt.Local().Format(time.DateTime))
	if j.RemoteTaskID != "" {
		fmt.Printf("Remote:   %s\n", j.RemoteTaskID)
	}
	if j.Error != nil {
		fmt.Printf("Error:    %s (%s)\n", j.Error.Message, j.Error.Reason)
	}
	if len(j.Events) > 0 {
		fmt.Println("Events:")
		for _, ev := range j.Events {
			fmt.Printf("  %s  %-7s  %s\n", ev.At.Local().Format(time.TimeOnly), ev.Level, ev.Message)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
