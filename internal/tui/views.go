package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/fleet/internal/models"
)

func (a *App) renderTaskList(height int) string {
	if a.loading {
		return "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No tasks found. Type: add <project> <command> to create one.\n"
	}

	lines := make([]string, 0, len(a.tasks))
	for i, task := range a.tasks {
		where := ""
		if task.AssignedMachine != "" {
			where = " @" + task.AssignedMachine
		}
		text := fmt.Sprintf("%-8s %-12s %s%s", shortID(task.ID), truncate(task.Project, 12), truncate(task.Description, 50), where)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s %s", statusIcon(string(task.Status)), text)))
		} else {
			lines = append(lines, itemStyle.Render(fmt.Sprintf("  %s %s", formatStatus(string(task.Status)), text)))
		}
	}
	return strings.Join(window(lines, a.selectedIdx, height), "\n")
}

func (a *App) renderTaskDetail() string {
	t := a.currentTask
	if t == nil {
		return "\n  Loading...\n"
	}

	var b strings.Builder
	field := func(label, value string) {
		if value != "" {
			b.WriteString(fmt.Sprintf("  %s %s\n", helpStyle.Render(label+":"), value))
		}
	}

	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(t.Description)))
	field("ID", t.ID)
	field("Project", t.Project)
	field("Status", formatStatus(string(t.Status)))
	field("Priority", fmt.Sprintf("%d", t.Priority))
	field("Budget", fmt.Sprintf("$%.2f", t.Budget))
	field("Machine", t.AssignedMachine)
	field("Created", formatTime(&t.CreatedAt))
	field("Started", formatTime(t.StartedAt))
	field("Ended", formatTime(t.EndedAt))

	if r := t.Result; r != nil {
		b.WriteString("\n  " + lipgloss.NewStyle().Bold(true).Foreground(cyanColor).Render("Result") + "\n")
		field("Cost", fmt.Sprintf("$%.2f", r.Cost))
		field("Error", lipgloss.NewStyle().Foreground(errorColor).Render(r.Error))
		field("Link", r.ExternalURL)
		if len(r.ChangedArtifacts) > 0 {
			field("Changed", strings.Join(r.ChangedArtifacts, ", "))
		}
		for _, line := range strings.Split(r.Summary, "\n") {
			if line != "" {
				b.WriteString("    " + line + "\n")
			}
		}
	}

	if len(a.audit) > 0 {
		b.WriteString("\n  " + lipgloss.NewStyle().Bold(true).Foreground(cyanColor).Render("Audit") + "\n")
		for _, e := range a.audit {
			outcome := lipgloss.NewStyle().Foreground(successColor).Render(e.Outcome)
			if e.Outcome != "success" {
				outcome = lipgloss.NewStyle().Foreground(warningColor).Render(e.Outcome)
			}
			b.WriteString(fmt.Sprintf("    %s  %-18s %s %s\n", e.Timestamp.Local().Format("15:04:05"), e.Action, outcome, helpStyle.Render(e.Details)))
		}
	}
	return b.String()
}

func (a *App) renderMachines(height int) string {
	if len(a.machines) == 0 {
		return "\n  No machines registered. Run: fleet agent on a worker.\n"
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
	lines := []string{
		"",
		"  " + headerStyle.Render(fmt.Sprintf("%-20s %-9s %-7s %-10s %s", "MACHINE", "STATUS", "LOAD", "HEARTBEAT", "AFFINITIES")),
	}
	for i, m := range a.machines {
		text := fmt.Sprintf("%-20s %-9s %-7s %-10s %s",
			truncate(m.ID, 20),
			m.Status,
			fmt.Sprintf("%d/%d", max(m.Load, m.ActiveCount), m.MaxConcurrent),
			formatAge(time.Since(m.LastHeartbeat)),
			strings.Join(m.Affinities, ","),
		)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
		} else {
			lines = append(lines, itemStyle.Render(machineStyle(m.Status).Render(text)))
		}
	}
	return strings.Join(window(lines, a.selectedIdx+2, height), "\n")
}

func (a *App) renderRuns(height int) string {
	if len(a.runs) == 0 {
		return "\n  No subagent runs. Type: spawn <profile> <task>\n"
	}

	lines := make([]string, 0, len(a.runs))
	for i, r := range a.runs {
		indent := ""
		if r.ParentRunID != "" {
			indent = "↳ "
		}
		text := fmt.Sprintf("%-8s %-10s %-10s %s%s", shortID(r.ID), truncate(r.ProfileID, 10), r.Mode, indent, truncate(r.Task, 50))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s %s", statusIcon(string(r.Status)), text)))
			if r.Error != "" {
				lines = append(lines, "      "+lipgloss.NewStyle().Foreground(errorColor).Render(truncate(r.Error, 80)))
			} else if r.Result != "" {
				lines = append(lines, "      "+helpStyle.Render(truncate(r.Result, 80)))
			}
		} else {
			lines = append(lines, itemStyle.Render(fmt.Sprintf("  %s %s", formatStatus(string(r.Status)), text)))
		}
	}
	return strings.Join(window(lines, a.selectedIdx, height), "\n")
}

// formatStatus renders task and run statuses alike.
func formatStatus(status string) string {
	label := fmt.Sprintf("%s %-9s", statusIcon(status), strings.ToUpper(status))
	switch status {
	case "queued", "pending":
		return lipgloss.NewStyle().Foreground(warningColor).Render(label)
	case "assigned", "claimed":
		return lipgloss.NewStyle().Foreground(secondaryColor).Render(label)
	case "running":
		return lipgloss.NewStyle().Foreground(primaryColor).Render(label)
	case "completed":
		return lipgloss.NewStyle().Foreground(successColor).Render(label)
	case "failed", "error", "timeout":
		return lipgloss.NewStyle().Foreground(errorColor).Render(label)
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render(label)
	}
}

func statusIcon(status string) string {
	switch status {
	case "queued", "pending":
		return "○"
	case "assigned", "claimed":
		return "◐"
	case "running":
		return "◑"
	case "completed":
		return "●"
	case "failed", "error", "timeout":
		return "✗"
	case "cancelled":
		return "⊘"
	default:
		return "?"
	}
}

func machineStyle(status models.MachineStatus) lipgloss.Style {
	switch status {
	case models.MachineStatusOnline:
		return lipgloss.NewStyle().Foreground(successColor)
	case models.MachineStatusBusy:
		return lipgloss.NewStyle().Foreground(warningColor)
	default:
		return lipgloss.NewStyle().Foreground(mutedColor)
	}
}

// window keeps the selected line visible within height lines.
func window(lines []string, selected, height int) []string {
	if height <= 0 || len(lines) <= height {
		return lines
	}
	start := max(0, selected-height/2)
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = max(0, end-height)
	}
	return lines[start:end]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
