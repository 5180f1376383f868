package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"sixseven/internal/dialogue"
	"sixseven/internal/provider/creative"
	"sixseven/internal/provider/research"
	"sixseven/internal/store"
)

// ── Styles ──────────────────────────────────────────────────────────────────

const pad = 2 // horizontal padding on each side

var (
	frameStyle    = lipgloss.NewStyle().Padding(1, pad)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	promptStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	statusStyle   = map[store.Status]lipgloss.Style{
		store.StatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		store.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		store.StatusSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		store.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		store.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	}
	levelStyle = map[store.Level]lipgloss.Style{
		store.LevelInfo:    dimStyle,
		store.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		store.LevelError:   errStyle,
	}
	activeTab   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Underline(true)
	inactiveTab = dimStyle
)

// ── Views ───────────────────────────────────────────────────────────────────

func (m Model) View() string {
	var content string
	switch {
	case m.err != nil:
		content = fmt.Sprintf("Error: %v\n\nPress r to retry or q to quit.", m.err)
	case m.selected != nil:
		content = m.detailView()
	default:
		content = m.listView()
	}
	return frameStyle.Render(content)
}

// ── Level 1: Job List ───────────────────────────────────────────────────────

func (m Model) listView() string {
	var b strings.Builder
	w := m.cw()

	title := "SIXSEVEN"
	if m.opts.SessionID != "" {
		title += dimStyle.Render("  session " + m.opts.SessionID)
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n\n")

	counts := m.statusCounts()
	b.WriteString(fmt.Sprintf("  %s %d   %s %d   %s %d   %s %d   %s %d\n",
		labelStyle.Render("queued"), counts[store.StatusQueued],
		statusStyle[store.StatusRunning].Render("running"), counts[store.StatusRunning],
		statusStyle[store.StatusSucceeded].Render("succeeded"), counts[store.StatusSucceeded],
		statusStyle[store.StatusFailed].Render("failed"), counts[store.StatusFailed],
		statusStyle[store.StatusCancelled].Render("cancelled"), counts[store.StatusCancelled],
	))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	const (
		colJob      = 10
		colType     = 10
		colStatus   = 11
		colProgress = 6
		colQuery    = 44
	)

	if len(m.jobs) == 0 {
		b.WriteString(dimStyle.Render("No jobs yet. Send a command with 'sixseven say'."))
		b.WriteString("\n")
	} else {
		header := "  " +
			headerStyle.Render(padRight("JOB", colJob)) +
			headerStyle.Render(padRight("TYPE", colType)) +
			headerStyle.Render(padRight("STATUS", colStatus)) +
			headerStyle.Render(padRight("PROG", colProgress)) +
			headerStyle.Render(padRight("QUERY", colQuery)) +
			headerStyle.Render("UPDATED")
		b.WriteString(header)
		b.WriteString("\n")

		for i, job := range m.jobs {
			cursor := "  "
			if i == m.cursor {
				cursor = "> "
			}
			line := cursor +
				padRight(store.ShortID(job.ID), colJob) +
				padRight(string(job.Kind), colType) +
				styleFor(job.Status).Render(padRight(string(job.Status), colStatus)) +
				padRight(fmt.Sprintf("%d%%", job.Progress), colProgress) +
				padRight(truncate(job.Input.Query, colQuery-2), colQuery) +
				dimStyle.Render(job.UpdatedAt.Local().Format(time.TimeOnly))
			if i == m.cursor {
				line = selectedStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	b.WriteString(m.footer("j/k navigate  enter details  c cancel  r refresh  q quit"))
	return b.String()
}

// ── Level 2: Job Detail ─────────────────────────────────────────────────────

func (m Model) detailView() string {
	var b strings.Builder
	w := m.cw()
	job := m.selected

	b.WriteString(titleStyle.Render("JOB " + store.ShortID(job.ID)))
	b.WriteString(dimStyle.Render("  " + truncate(job.Input.Query, w-16)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	kv := func(k, v string) {
		b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(fmt.Sprintf("%-11s", k)), v))
	}
	kv("Status", styleFor(job.Status).Render(string(job.Status)))
	kv("Type", string(job.Kind))
	if job.SessionID != "" {
		kv("Session", job.SessionID)
	}
	kv("Progress", fmt.Sprintf("%d%%", job.Progress))
	kv("Elapsed", fmt.Sprintf("%ds", int(job.Elapsed(m.now()).Seconds())))
	if job.RemoteTaskID != "" {
		kv("Remote", job.RemoteTaskID)
	}
	if job.Error != nil {
		kv("Error", errStyle.Render(fmt.Sprintf("%s (%s)", job.Error.Message, job.Error.Reason)))
	}

	b.WriteString("\n")
	resultTab := inactiveTab.Render(" RESULT ")
	eventsTab := inactiveTab.Render(fmt.Sprintf(" EVENTS (%d) ", len(job.Events)))
	if m.showEvents {
		eventsTab = activeTab.Render(fmt.Sprintf(" EVENTS (%d) ", len(job.Events)))
	} else {
		resultTab = activeTab.Render(" RESULT ")
	}
	b.WriteString(resultTab)
	b.WriteString(dimStyle.Render(" │ "))
	b.WriteString(eventsTab)
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	avail := m.scrollHeight()
	start, end := scrollWindow(m.lines, m.scrollOffset, avail)
	for _, line := range m.lines[start:end] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	pct := scrollPercent(m.lines, m.scrollOffset, avail)
	b.WriteString(m.footer("j/k scroll  d/u half-page  tab result/events  c cancel  esc back  q quit" + pct))
	return b.String()
}

// footer shows the cancel prompt or the last action outcome in place of the
// key hints.
func (m Model) footer(hints string) string {
	switch {
	case m.confirmJobID != "":
		return promptStyle.Render(fmt.Sprintf("Cancel job %s? (y/n)", store.ShortID(m.confirmJobID)))
	case m.actionErr != nil:
		return errStyle.Render(fmt.Sprintf("Cancel failed: %v", m.actionErr))
	case m.notice != "":
		return labelStyle.Render(m.notice) + dimStyle.Render("  "+hints)
	}
	return dimStyle.Render(hints)
}

// detailLines renders the scrollable body of the detail view.
func (m Model) detailLines() []string {
	job := m.selected
	if job == nil {
		return nil
	}
	if m.showEvents {
		return eventLines(job.Events)
	}
	switch {
	case job.Status == store.StatusSucceeded && job.Kind == store.KindResearch:
		return renderMarkdown(researchMarkdown(job.Result), m.cw())
	case job.Status == store.StatusSucceeded && job.Kind == store.KindCreative:
		return creativeLines(job.Result)
	case job.Status.IsTerminal():
		return []string{dialogue.ForJob(*job).Speakable}
	}
	return []string{"(in progress)"}
}

func eventLines(events []store.Event) []string {
	if len(events) == 0 {
		return []string{"(no events)"}
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		st, ok := levelStyle[ev.Level]
		if !ok {
			st = dimStyle
		}
		lines = append(lines, fmt.Sprintf("%s  %s  %s",
			dimStyle.Render(ev.At.Local().Format(time.TimeOnly)),
			st.Render(padRight(string(ev.Level), 7)),
			ev.Message))
	}
	return lines
}

// researchMarkdown prefers the provider's markdown and falls back to the
// structured answer.
func researchMarkdown(raw []byte) string {
	res, err := research.Decode(raw)
	if err != nil {
		return "(unreadable result)"
	}
	if strings.TrimSpace(res.Markdown) != "" {
		return res.Markdown
	}
	var b strings.Builder
	b.WriteString(res.Structured.Answer)
	if len(res.Structured.Bullets) > 0 {
		b.WriteString("\n\n")
		for _, bullet := range res.Structured.Bullets {
			b.WriteString("- " + bullet + "\n")
		}
	}
	if len(res.Structured.Citations) > 0 {
		b.WriteString("\n**Sources**\n\n")
		for _, c := range res.Structured.Citations {
			b.WriteString("- " + c + "\n")
		}
	}
	if res.ViewURL != "" {
		b.WriteString("\n" + res.ViewURL + "\n")
	}
	return b.String()
}

func creativeLines(raw []byte) []string {
	res, err := creative.Decode(raw)
	if err != nil {
		return []string{"(unreadable result)"}
	}
	if len(res.GeneratedURLs) == 0 {
		return []string{"(no images)"}
	}
	lines := make([]string, 0, len(res.GeneratedURLs))
	for i, u := range res.GeneratedURLs {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, u))
	}
	return lines
}

// renderMarkdown renders text as terminal-styled markdown via glamour.
// Falls back to plain text splitting on error.
func renderMarkdown(text string, width int) []string {
	if width < 40 {
		width = 76
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return strings.Split(text, "\n")
	}
	rendered, err := r.Render(text)
	if err != nil {
		return strings.Split(text, "\n")
	}
	return strings.Split(strings.TrimRight(rendered, "\n"), "\n")
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func styleFor(s store.Status) lipgloss.Style {
	if st, ok := statusStyle[s]; ok {
		return st
	}
	return dimStyle
}

func (m Model) statusCounts() map[store.Status]int {
	counts := make(map[store.Status]int, len(statusStyle))
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts
}

// cw returns content width (terminal width minus frame padding).
func (m Model) cw() int {
	w := m.width - pad*2
	if w < 40 {
		w = 76 // sensible default before first WindowSizeMsg
	}
	return w
}

func (m Model) scrollHeight() int {
	// Chrome: frame padding(2) + title(2) + metadata(~7) + tabs(2) + footer(2).
	return max(m.height-15, 1)
}

func maxOffset(lines []string, avail int) int {
	return max(len(lines)-avail, 0)
}

func scrollWindow(lines []string, offset, avail int) (int, int) {
	avail = max(avail, 1)
	start := min(offset, len(lines))
	end := min(start+avail, len(lines))
	return start, end
}

func scrollPercent(lines []string, offset, avail int) string {
	mx := len(lines) - avail
	if mx <= 0 {
		return ""
	}
	return fmt.Sprintf("  [%d%%]", offset*100/mx)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}

// padRight pads a plain string to n characters with spaces.
func padRight(s string, n int) string {
	if l := len([]rune(s)); l < n {
		return s + strings.Repeat(" ", n-l)
	}
	return s
}
