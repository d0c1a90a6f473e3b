package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aparcar/asu-builder/database"
)

// TickMsg drives the periodic refresh.
type TickMsg time.Time

// snapshotMsg carries one refresh of queue state.
type snapshotMsg struct {
	jobs        []JobRow
	queueLength int
	counters    map[string]int64
	avgBuild    time.Duration
	err         error
}

// MonitorConfig holds configuration for the queue monitor.
type MonitorConfig struct {
	Title           string
	RefreshInterval time.Duration
	MaxJobs         int
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Title:           "Build Queue",
		RefreshInterval: time.Second,
		MaxJobs:         30,
	}
}

// MonitorModel is the queue monitor's bubbletea model. It polls the job
// store directly, so it can run next to the server or read a copy of the
// database.
type MonitorModel struct {
	cfg    MonitorConfig
	db     *database.DB
	styles *Styles

	spinner     spinner.Model
	width       int
	height      int
	jobs        []JobRow
	queueLength int
	counters    map[string]int64
	avgBuild    time.Duration
	lastRefresh time.Time
	fetchErr    error
	quitting    bool
}

// NewMonitorModel creates a monitor over the given store.
func NewMonitorModel(db *database.DB, cfg MonitorConfig) *MonitorModel {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 30
	}
	if cfg.Title == "" {
		cfg.Title = "Build Queue"
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	return &MonitorModel{
		cfg:     cfg,
		db:      db,
		styles:  DefaultStyles(),
		spinner: s,
	}
}

// Init starts the spinner and the first refresh.
func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch, m.tick())
}

func (m *MonitorModel) tick() tea.Cmd {
	return tea.Tick(m.cfg.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetch reads one snapshot of the queue.
func (m *MonitorModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var msg snapshotMsg
	jobs, err := m.db.ListRecentJobs(ctx, m.cfg.MaxJobs)
	if err != nil {
		msg.err = err
		return msg
	}
	now := time.Now()
	for _, job := range jobs {
		msg.jobs = append(msg.jobs, NewJobRow(job, now))
	}

	if msg.queueLength, err = m.db.QueueLength(ctx); err != nil {
		msg.err = err
		return msg
	}
	if msg.counters, err = m.db.Counters(ctx); err != nil {
		msg.err = err
		return msg
	}
	if msg.avgBuild, err = m.db.AverageBuildDuration(ctx); err != nil {
		msg.err = err
	}
	return msg
}

// Update handles messages.
func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.fetch, m.tick())

	case snapshotMsg:
		m.fetchErr = msg.err
		if msg.err == nil {
			m.jobs = msg.jobs
			m.queueLength = msg.queueLength
			m.counters = msg.counters
			m.avgBuild = msg.avgBuild
			m.lastRefresh = time.Now()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the monitor.
func (m *MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Title.Render(m.cfg.Title) + "\n")

	status := fmt.Sprintf("%s pending: %d  requests: %d  cache hits: %d  completed: %d  failed: %d  avg build: %s",
		m.spinner.View(),
		m.queueLength,
		m.counters["request"],
		m.counters["cache_hit"],
		m.counters["build_completed"],
		m.counters["build_failed"],
		FormatDuration(m.avgBuild),
	)
	b.WriteString(m.styles.Panel.Render(status) + "\n\n")

	if m.fetchErr != nil {
		b.WriteString(m.styles.Error.Render("refresh failed: "+m.fetchErr.Error()) + "\n\n")
	}

	b.WriteString(RenderJobsTable(m.jobs, m.styles))

	help := fmt.Sprintf("%s refresh  %s quit",
		m.styles.HelpKey.Render("r"),
		m.styles.HelpKey.Render("q"),
	)
	if !m.lastRefresh.IsZero() {
		help += m.styles.Muted.Render("  updated " + m.lastRefresh.Format("15:04:05"))
	}
	b.WriteString("\n" + m.styles.Help.Render(help) + "\n")
	return b.String()
}

// RunMonitor blocks until the monitor exits.
func RunMonitor(db *database.DB, cfg MonitorConfig) error {
	p := tea.NewProgram(NewMonitorModel(db, cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
