// Package dialogue turns jobs into short speakable summaries plus a
// structured payload for display.
package dialogue

import (
	"fmt"
	"strings"
	"time"

	"sixseven/internal/provider/creative"
	"sixseven/internal/provider/research"
	"sixseven/internal/store"
)

const (
	maxSentences = 2
	maxBullets   = 3
)

type Speech struct {
	Speakable  string `json:"speakable"`
	Structured any    `json:"structured"`
}

type ResearchSummary struct {
	Answer    string   `json:"answer"`
	Bullets   []string `json:"bullets"`
	Citations []string `json:"citations"`
	ViewURL   string   `json:"view_url,omitempty"`
	TaskID    string   `json:"task_id,omitempty"`
}

type CreativeSummary struct {
	GeneratedURLs []string `json:"generated_urls"`
	TaskID        string   `json:"task_id,omitempty"`
	Status        string   `json:"status,omitempty"`
}

// ForJob picks the summary for the job's kind and status.
func ForJob(job store.Job) Speech {
	switch job.Status {
	case store.StatusFailed:
		return Speech{Speakable: Failure(job)}
	case store.StatusCancelled:
		return Speech{Speakable: "Task was cancelled."}
	}
	if job.Kind == store.KindCreative {
		return Creative(job)
	}
	return Research(job)
}

func Research(job store.Job) Speech {
	if len(job.Result) == 0 {
		return Speech{Speakable: "Research task is still in progress."}
	}
	res, err := research.Decode(job.Result)
	if err != nil {
		return Speech{Speakable: "Research completed."}
	}

	var parts []string
	if s := firstSentences(res.Structured.Answer, maxSentences); s != "" {
		parts = append(parts, s)
	}
	if len(res.Structured.Bullets) > 0 {
		parts = append(parts, "Key points:")
		for _, b := range res.Structured.Bullets[:min(maxBullets, len(res.Structured.Bullets))] {
			parts = append(parts, "- "+b)
		}
	}
	speakable := strings.Join(parts, " ")
	if speakable == "" {
		speakable = "Research completed."
	}

	return Speech{
		Speakable: speakable,
		Structured: ResearchSummary{
			Answer:    res.Structured.Answer,
			Bullets:   nonNil(res.Structured.Bullets),
			Citations: nonNil(res.Structured.Citations),
			ViewURL:   res.ViewURL,
			TaskID:    res.TaskID,
		},
	}
}

func Creative(job store.Job) Speech {
	if len(job.Result) == 0 {
		return Speech{Speakable: "Creative task is still in progress."}
	}
	res, err := creative.Decode(job.Result)
	if err != nil {
		return Speech{Speakable: "Creative task completed. Check the response for details."}
	}

	speakable := "Creative task completed. Check the response for details."
	if n := len(res.GeneratedURLs); n > 0 {
		speakable = fmt.Sprintf("Generated %d image%s. Check your screen.", n, plural(n))
	}
	return Speech{
		Speakable: speakable,
		Structured: CreativeSummary{
			GeneratedURLs: nonNil(res.GeneratedURLs),
			TaskID:        res.TaskID,
			Status:        res.Status,
		},
	}
}

func Failure(job store.Job) string {
	if job.Error == nil {
		return "An unknown error occurred."
	}
	msg := job.Error.Message
	if msg == "" {
		msg = "An error occurred"
	}
	return "Task failed: " + msg
}

// StatusMessage describes the session's active job, or its absence.
func StatusMessage(job *store.Job, now time.Time) string {
	if job == nil {
		return "No active tasks."
	}
	switch job.Status {
	case store.StatusRunning:
		return fmt.Sprintf("Your %s task is running. Elapsed time: %d seconds.", job.Kind, int(job.Elapsed(now).Seconds()))
	case store.StatusQueued:
		return fmt.Sprintf("Your %s task is queued.", job.Kind)
	case store.StatusSucceeded:
		return fmt.Sprintf("Your %s task completed successfully.", job.Kind)
	case store.StatusFailed:
		return fmt.Sprintf("Your %s task failed.", job.Kind)
	case store.StatusCancelled:
		return fmt.Sprintf("Your %s task was cancelled.", job.Kind)
	}
	return fmt.Sprintf("Your %s task status is %s.", job.Kind, job.Status)
}

// firstSentences keeps the first n ". "-separated sentences of s.
func firstSentences(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	sentences := strings.Split(s, ". ")
	if len(sentences) <= n {
		return s
	}
	out := strings.Join(sentences[:n], ". ")
	if !strings.HasSuffix(out, ".") {
		out += "."
	}
	return out
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
