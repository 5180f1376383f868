// Package tui is the interactive job watcher.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"sixseven/internal/api"
	"sixseven/internal/client"
	"sixseven/internal/store"
)

const defaultRefresh = 2 * time.Second

// Source is the data the watcher needs. *client.Client satisfies it.
type Source interface {
	Jobs(ctx context.Context, opts client.ListOptions) ([]store.Job, error)
	Job(ctx context.Context, id string) (store.Job, error)
	Cancel(ctx context.Context, id string) (api.CancelResponse, error)
}

type Options struct {
	// SessionID narrows the list to one session.
	SessionID string
	Limit     int
	Refresh   time.Duration
}

// Model is the BubbleTea model for the watcher.
//
// Navigation depth:
//
//	selected == nil → Level 1 (job list)
//	selected != nil → Level 2 (job detail: result or event timeline)
type Model struct {
	src  Source
	opts Options

	// Level 1: job list
	jobs   []store.Job
	cursor int

	// Level 2: job detail
	selected     *store.Job
	showEvents   bool
	scrollOffset int
	lines        []string

	// confirmJobID is set while a cancel prompt is open.
	confirmJobID string
	notice       string
	actionErr    error

	err    error
	width  int
	height int
	now    func() time.Time
}

func NewModel(src Source, opts Options) Model {
	if opts.Refresh <= 0 {
		opts.Refresh = defaultRefresh
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return Model{src: src, opts: opts, now: time.Now}
}

// ── Messages ────────────────────────────────────────────────────────────────

type jobsMsg []store.Job
type jobMsg store.Job
type tickMsg time.Time
type cancelResultMsg struct {
	jobID string
	resp  api.CancelResponse
	err   error
}
type errMsg error

// ── Init / Commands ─────────────────────────────────────────────────────────

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchJobs, m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchJobs() tea.Msg {
	jobs, err := m.src.Jobs(context.Background(), client.ListOptions{SessionID: m.opts.SessionID, Limit: m.opts.Limit})
	if err != nil {
		return errMsg(err)
	}
	return jobsMsg(jobs)
}

func (m Model) fetchSelected() tea.Msg {
	job, err := m.src.Job(context.Background(), m.selected.ID)
	if err != nil {
		return errMsg(err)
	}
	return jobMsg(job)
}

func cancelJob(src Source, jobID string) tea.Cmd {
	return func() tea.Msg {
		resp, err := src.Cancel(context.Background(), jobID)
		return cancelResultMsg{jobID: jobID, resp: resp, err: err}
	}
}

// ── Update ──────────────────────────────────────────────────────────────────

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.selected != nil {
			m.lines = m.detailLines()
		}
	case jobsMsg:
		m.jobs = msg
		m.err = nil
		if m.cursor >= len(m.jobs) {
			m.cursor = max(len(m.jobs)-1, 0)
		}
	case jobMsg:
		// Discard stale response if user navigated away.
		if m.selected == nil || m.selected.ID != msg.ID {
			break
		}
		job := store.Job(msg)
		m.selected = &job
		m.lines = m.detailLines()
		m.scrollOffset = min(m.scrollOffset, maxOffset(m.lines, m.scrollHeight()))
		m.err = nil
	case tickMsg:
		cmds := []tea.Cmd{m.fetchJobs, m.tick()}
		if m.selected != nil && !m.selected.Status.IsTerminal() {
			cmds = append(cmds, m.fetchSelected)
		}
		return m, tea.Batch(cmds...)
	case cancelResultMsg:
		m.confirmJobID = ""
		if msg.err != nil {
			m.actionErr = msg.err
			break
		}
		m.actionErr = nil
		m.notice = msg.resp.Message
		cmds := []tea.Cmd{m.fetchJobs}
		if m.selected != nil && m.selected.ID == msg.jobID {
			cmds = append(cmds, m.fetchSelected)
		}
		return m, tea.Batch(cmds...)
	case errMsg:
		m.err = msg
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// ── Key Handling ────────────────────────────────────────────────────────────

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	}

	// Confirmation prompt active: handle y/n.
	if m.confirmJobID != "" {
		switch key {
		case "y":
			return m, cancelJob(m.src, m.confirmJobID)
		case "n", "esc":
			m.confirmJobID = ""
		}
		return m, nil
	}

	if m.selected != nil {
		return m.handleKeyDetail(key)
	}
	return m.handleKeyList(key)
}

func (m Model) handleKeyList(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.jobs)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.jobs) {
			job := m.jobs[m.cursor]
			m.selected = &job
			m.showEvents = false
			m.scrollOffset = 0
			m.notice = ""
			m.lines = m.detailLines()
			return m, m.fetchSelected
		}
	case "c":
		if m.cursor < len(m.jobs) {
			m.promptCancel(m.jobs[m.cursor])
		}
	case "r":
		return m, m.fetchJobs
	}
	return m, nil
}

func (m Model) handleKeyDetail(key string) (tea.Model, tea.Cmd) {
	avail := m.scrollHeight()
	switch key {
	case "up", "k":
		if m.scrollOffset > 0 {
			m.scrollOffset--
		}
	case "down", "j":
		if m.scrollOffset < maxOffset(m.lines, avail) {
			m.scrollOffset++
		}
	case "u":
		m.scrollOffset = max(m.scrollOffset-avail/2, 0)
	case "d":
		m.scrollOffset = min(m.scrollOffset+avail/2, maxOffset(m.lines, avail))
	case "tab":
		m.showEvents = !m.showEvents
		m.scrollOffset = 0
		m.lines = m.detailLines()
	case "c":
		m.promptCancel(*m.selected)
	case "r":
		return m, m.fetchSelected
	case "esc":
		m.selected = nil
		m.lines = nil
		m.scrollOffset = 0
		m.showEvents = false
		m.actionErr = nil
		m.notice = ""
	}
	return m, nil
}

func (m *Model) promptCancel(job store.Job) {
	m.notice = ""
	m.actionErr = nil
	if job.Status.IsTerminal() {
		m.notice = fmt.Sprintf("Job already %s", job.Status)
		return
	}
	m.confirmJobID = job.ID
}
