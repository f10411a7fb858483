package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/engine"
)

// Dashboard renders engine status for the terminal.
type Dashboard struct {
	styles DashboardStyles
	width  int
	now    func() time.Time
}

// DashboardStyles defines the styling for the dashboard.
type DashboardStyles struct {
	Border    lipgloss.Style
	Header    lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style
}

// NewDashboard creates a dashboard renderer.
func NewDashboard() *Dashboard {
	return &Dashboard{
		width:  80,
		styles: defaultDashboardStyles(),
		now:    time.Now,
	}
}

func defaultDashboardStyles() DashboardStyles {
	return DashboardStyles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		Value: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")),
		Success: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("82")),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")),
		Highlight: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// SetWidth sets the dashboard width.
func (d *Dashboard) SetWidth(w int) {
	if w > 20 {
		d.width = w
	}
}

// Render returns the full status panel. stats may be nil when no collector
// is running.
func (d *Dashboard) Render(status engine.StatusResponse, stats *Stats) string {
	var content strings.Builder

	content.WriteString(d.styles.Header.Render("EVOLUTION"))
	if status.Degraded {
		content.WriteString(" " + d.styles.Error.Render("[degraded: memory only]"))
	}
	content.WriteString("\n")

	content.WriteString(fmt.Sprintf("%s %s │ %s %s │ %s %s │ %s %s\n",
		d.styles.Label.Render("Concepts:"),
		d.styles.Value.Render(fmt.Sprintf("%d", status.ConceptCount)),
		d.styles.Label.Render("Connections:"),
		d.styles.Value.Render(fmt.Sprintf("%d", status.ConnectionCount)),
		d.styles.Label.Render("Density:"),
		d.styles.Value.Render(fmt.Sprintf("%.3f", status.NetworkDensity)),
		d.styles.Label.Render("Score:"),
		d.formatLevel(status.EvolutionScore),
	))

	names := make([]string, 0, len(status.Capabilities))
	for name := range status.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		level := status.Capabilities[name]
		content.WriteString(fmt.Sprintf("%s %s %s\n",
			d.styles.Label.Render(fmt.Sprintf("%-13s", name)),
			renderBar(level, 20),
			d.formatLevel(level),
		))
	}

	if stats != nil {
		content.WriteString(fmt.Sprintf("%s %s │ %s %s │ %s %s\n",
			d.styles.Label.Render("Events:"),
			d.styles.Value.Render(fmt.Sprintf("%d", stats.TotalEvents)),
			d.styles.Label.Render("Dropped:"),
			d.styles.Value.Render(fmt.Sprintf("%d", stats.DroppedEvents)),
			d.styles.Label.Render("Largest cluster:"),
			d.styles.Highlight.Render(fmt.Sprintf("%d", stats.LargestCluster)),
		))
	}

	if len(status.RecentEvents) > 0 {
		content.WriteString(d.styles.Header.Render("RECENT"))
		for _, e := range status.RecentEvents {
			content.WriteString("\n")
			content.WriteString(d.renderEvent(e))
		}
	} else {
		content.WriteString(d.styles.Muted.Render("no events yet"))
	}

	return d.styles.Border.Width(d.width - 4).Render(content.String())
}

// RenderCompact returns a single-line summary.
func (d *Dashboard) RenderCompact(status engine.StatusResponse) string {
	line := fmt.Sprintf("[Evolution] %d concepts │ %d connections │ score %.2f │ gen %d",
		status.ConceptCount,
		status.ConnectionCount,
		status.EvolutionScore,
		status.Generation,
	)
	if status.Degraded {
		line += " │ degraded"
	}
	return line
}

func (d *Dashboard) renderEvent(e bus.Event) string {
	return fmt.Sprintf("%s %s %s",
		d.styles.Muted.Render(formatAge(d.now().Sub(e.Timestamp))),
		d.styles.Highlight.Render(fmt.Sprintf("%-18s", e.Kind)),
		e.Description,
	)
}

// formatLevel colours a level in [0, 1].
func (d *Dashboard) formatLevel(level float64) string {
	formatted := fmt.Sprintf("%.2f", level)
	if level >= 0.75 {
		return d.styles.Success.Render(formatted)
	} else if level >= 0.25 {
		return d.styles.Highlight.Render(formatted)
	}
	return d.styles.Value.Render(formatted)
}

// renderBar draws a fixed-width bar for a level in [0, 1].
func renderBar(level float64, width int) string {
	filled := int(level*float64(width) + 0.5)
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func formatAge(elapsed time.Duration) string {
	switch {
	case elapsed < time.Second:
		return "now"
	case elapsed < time.Minute:
		return fmt.Sprintf("%.0fs", elapsed.Seconds())
	case elapsed < time.Hour:
		return fmt.Sprintf("%.0fm", elapsed.Minutes())
	case elapsed < 48*time.Hour:
		return fmt.Sprintf("%.0fh", elapsed.Hours())
	}
	return fmt.Sprintf("%.0fd", elapsed.Hours()/24)
}
