package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	asub "github.com/aparcar/asu-builder"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// JobRow is one queue entry prepared for display.
type JobRow struct {
	RequestHash string
	Status      string
	Position    string
	Worker      string
	Age         string
	Detail      string
}

// NewJobRow flattens a job record for the table.
func NewJobRow(job *asub.BuildJob, now time.Time) JobRow {
	row := JobRow{
		RequestHash: job.RequestHash,
		Status:      string(job.Status),
		Age:         FormatDuration(now.Sub(job.EnqueuedAt)),
		Worker:      job.WorkerID,
	}
	if job.Status == asub.StatusPending && job.QueuePosition > 0 {
		row.Position = fmt.Sprintf("#%d", job.QueuePosition)
	}
	switch job.Status {
	case asub.StatusFailed:
		row.Detail = job.ErrorMessage
	case asub.StatusCompleted:
		if job.StartedAt != nil && job.FinishedAt != nil {
			row.Detail = FormatDuration(job.FinishedAt.Sub(*job.StartedAt))
		}
	case asub.StatusBuilding:
		if job.StartedAt != nil {
			row.Detail = "running " + FormatDuration(now.Sub(*job.StartedAt))
		}
	}
	return row
}

// RenderJobsTable renders the queue as a fixed-width table.
func RenderJobsTable(rows []JobRow, styles *Styles) string {
	if styles == nil {
		styles = DefaultStyles()
	}

	var b strings.Builder
	if len(rows) == 0 {
		b.WriteString(styles.Muted.Render("  queue is empty\n"))
		return b.String()
	}

	columns := []Column{
		{Title: "ST", Width: 3},
		{Title: "FINGERPRINT", Width: 14},
		{Title: "STATUS", Width: 10},
		{Title: "POS", Width: 5},
		{Title: "WORKER", Width: 14},
		{Title: "AGE", Width: 8},
		{Title: "DETAIL", Width: 40},
	}

	var headerLine string
	for _, col := range columns {
		headerLine += styles.TableHeader.Width(col.Width).Render(col.Title) + " "
	}
	b.WriteString(headerLine + "\n")

	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, row := range rows {
		cells := []string{
			styles.StatusIcon(row.Status),
			truncate(row.RequestHash, 12),
			row.Status,
			row.Position,
			truncate(row.Worker, 12),
			row.Age,
			truncate(row.Detail, 38),
		}
		for i, col := range columns {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(lipgloss.NewStyle().Width(col.Width).Render(cell) + " ")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %d jobs\n", styles.Muted.Render("Total:"), len(rows)))
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + ".."
}
