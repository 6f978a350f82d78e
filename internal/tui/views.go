package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/stream"
)

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	serverStatus := onlineStyle.Render("● SERVER")
	if !a.serverUp {
		serverStatus = offlineStyle.Render("○ SERVER")
	}

	header := titleStyle.Render("📡 TaskPulse")
	header += "  " + serverStatus
	if a.mode == "watch" || a.mode == "detail" {
		id := a.watchID
		if a.mode == "detail" && a.detail != nil {
			id = a.detail.ID
		}
		header += "  " + mutedStyle.Render("task "+shortID(id))
	}

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case "watch":
		b.WriteString(a.viewport.View())
		b.WriteString("\n")
		if a.ask != nil {
			b.WriteString(a.renderAskPanel())
			b.WriteString("\n")
		}
		b.WriteString(a.streamStatusLine())
	case "detail":
		b.WriteString(a.viewport.View())
	default:
		b.WriteString(a.renderHome(contentHeight))
	}

	// Message bar
	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	if a.mode == "home" {
		b.WriteString("\n")
		b.WriteString(inputBoxStyle.Render(a.input.View()))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case "watch":
		if a.ask != nil {
			status = " Enter:answer | Ctrl+S:skip | Esc Esc:skip | Ctrl+C:quit"
		} else {
			status = " ↑↓:scroll | c:cancel | o:open file | Esc:back | Ctrl+C:quit"
			if a.conn == stream.StateGivenUp {
				status = " r:retry | " + strings.TrimPrefix(status, " ")
			}
		}
	case "detail":
		status = " ↑↓:scroll | w:watch | o:open file | Esc:back | Ctrl+C:quit"
	default:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:open | r:refresh | q:quit", len(a.tasks))
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderHome(height int) string {
	if a.loading {
		return "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No tasks yet. Type a prompt below and press enter.\n"
	}

	var lines []string
	for i, task := range a.tasks {
		prompt := firstLine(task.Prompt)
		meta := mutedStyle.Render(fmt.Sprintf("%s  %s", shortID(task.ID), age(task.CreatedAt.Time)))

		if i == a.selectedIdx {
			line := selectedStyle.Render(fmt.Sprintf("▶ %s  %s", statusGlyph(task.Status), prompt))
			lines = append(lines, line+"  "+meta)
		} else {
			line := taskItemStyle.Render(fmt.Sprintf("  %s  %s", formatStatus(task.Status), prompt))
			lines = append(lines, line+"  "+meta)
		}
	}

	// Limit visible lines
	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

// renderWatchContent builds the scrollable narrative for the task being
// watched. It feeds the viewport, never the screen directly.
func (a *App) renderWatchContent() string {
	var b strings.Builder

	if a.snapshot != nil {
		b.WriteString("  " + mutedStyle.Render(firstLine(a.snapshot.Prompt)) + "\n\n")
	}
	b.WriteString(renderEntries(a.entries, a.viewport.Width))
	b.WriteString("\n")

	if a.terminal != nil {
		b.WriteString("\n")
		b.WriteString(a.renderOutcome(a.terminal.Status, a.terminalResult(), a.terminalError()))
	}
	return b.String()
}

func (a *App) renderDetailContent() string {
	task := a.detail
	if task == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %s  %s\n", formatStatus(task.Status), firstLine(task.Prompt)))
	b.WriteString("  " + mutedStyle.Render(fmt.Sprintf("%s  created %s", task.ID, age(task.CreatedAt.Time))) + "\n\n")

	b.WriteString(renderEntries(entriesFromSteps(task.Steps), a.viewport.Width))
	b.WriteString("\n\n")
	b.WriteString(a.renderOutcome(task.Status, task.Result, task.Error))
	return b.String()
}

func (a *App) renderOutcome(status api.TaskStatus, result, errText string) string {
	var b strings.Builder
	switch status {
	case api.StatusCompleted:
		b.WriteString("  " + onlineStyle.Render("✅ Task completed") + "\n")
		if result != "" {
			b.WriteString(a.renderMarkdown(result) + "\n")
		}
	case api.StatusFailed:
		b.WriteString("  " + errorTextStyle.Render("❌ Task failed") + "\n")
		if errText != "" {
			b.WriteString("  " + errorTextStyle.Render(errText) + "\n")
		}
	case api.StatusCancelled:
		b.WriteString("  " + mutedStyle.Render("🚫 Task cancelled") + "\n")
	}
	return b.String()
}

// terminalResult prefers the reconciled snapshot; the terminal frame
// itself rarely carries the result text.
func (a *App) terminalResult() string {
	if a.snapshot != nil && a.snapshot.Result != "" {
		return a.snapshot.Result
	}
	if a.terminal != nil && a.terminal.Status == api.StatusCompleted {
		return a.terminal.Message
	}
	return ""
}

func (a *App) terminalError() string {
	if a.terminal != nil && a.terminal.Message != "" && a.terminal.Status == api.StatusFailed {
		return a.terminal.Message
	}
	if a.snapshot != nil {
		return a.snapshot.Error
	}
	return ""
}

func (a *App) renderAskPanel() string {
	var b strings.Builder
	b.WriteString("❓ " + a.ask.Question + "\n\n")
	if a.askBusy {
		b.WriteString(a.spinner.View() + " Sending...")
	} else {
		b.WriteString(a.askInput.View())
		if a.askConfirm {
			b.WriteString("\n" + pendingStyle.Render("Press esc again to skip this question"))
		}
	}
	return askBoxStyle.Width(max(20, a.width-4)).Render(b.String())
}

func (a *App) streamStatusLine() string {
	switch a.conn {
	case stream.StateConnecting:
		return " " + mutedStyle.Render("◌ connecting...")
	case stream.StateOpen:
		line := " " + a.spinner.View() + " streaming"
		if a.terminal != nil {
			line = " " + onlineStyle.Render("● stream closed")
		} else if a.quiet >= a.hb {
			line += mutedStyle.Render(fmt.Sprintf("  (quiet for %ds)", int(a.quiet.Seconds())))
		}
		return line
	case stream.StateRetrying:
		return " " + pendingStyle.Render(fmt.Sprintf("↻ reconnecting (attempt %d/%d)", a.attempt, a.maxRetries))
	case stream.StateGivenUp:
		return " " + errorTextStyle.Render("✗ stream lost") + mutedStyle.Render("  r: retry")
	}
	return ""
}

func (a *App) renderMarkdown(md string) string {
	if a.renderer == nil {
		width := a.viewport.Width - 4
		if width < 20 {
			width = 20
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return md
		}
		a.renderer = r
	}
	out, err := a.renderer.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

func formatStatus(status api.TaskStatus) string {
	switch status {
	case api.StatusRunning:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING")
	case api.StatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE")
	case api.StatusFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED")
	case api.StatusCancelled:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("⊘ CANCELLED")
	default:
		return string(status)
	}
}

func statusGlyph(status api.TaskStatus) string {
	switch status {
	case api.StatusRunning:
		return "◑"
	case api.StatusCompleted:
		return "●"
	case api.StatusFailed:
		return "✗"
	case api.StatusCancelled:
		return "⊘"
	default:
		return "?"
	}
}

func connectionNote(u stream.ConnectionUpdate) string {
	if u.Err != nil {
		return fmt.Sprintf("connection lost (%v), retrying (attempt %d)", u.Err, u.Attempt)
	}
	return fmt.Sprintf("connection lost, retrying (attempt %d)", u.Attempt)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

func age(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
