package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/stream"
)

type entryKind int

const (
	entryStep entryKind = iota
	entryDivider
	entryFile
	entryNote
)

// entry is one rendered line group of the task narrative.
type entry struct {
	kind entryKind
	step api.Step

	// ask resolution, filled in place once the answer is delivered
	resolved bool
	answered string

	text string
	file *stream.FileRef
}

var stepIcons = map[api.StepType]string{
	api.StepThink:    "🧠",
	api.StepTool:     "🔧",
	api.StepRun:      "💻",
	api.StepAct:      "⚡",
	api.StepLog:      "📝",
	api.StepMessage:  "💬",
	api.StepAskHuman: "❓",
	api.StepError:    "❌",
}

func stepIcon(t api.StepType) string {
	if icon, ok := stepIcons[t]; ok {
		return icon
	}
	return "•"
}

func fileIcon(kind stream.FileKind) string {
	switch kind {
	case stream.FileImage:
		return "🖼"
	case stream.FileAudio:
		return "🎵"
	case stream.FileCode:
		return "📄"
	}
	return "📦"
}

// entriesForStep expands one step and its hints into narrative entries.
// Progress markers render as dividers instead of ordinary lines, and a
// saved file gets its own block under the step that produced it.
func entriesForStep(step api.Step, hint stream.RenderHint) []entry {
	if hint.Progress != nil {
		return []entry{{
			kind: entryDivider,
			text: fmt.Sprintf("step %d/%d", hint.Progress.Current, hint.Progress.Total),
		}}
	}

	out := []entry{{kind: entryStep, step: step}}
	if hint.File != nil {
		out = append(out, entry{kind: entryFile, file: hint.File})
	}
	return out
}

// entriesFromSteps rebuilds the narrative of a stored task.
func entriesFromSteps(steps []api.Step) []entry {
	var out []entry
	for _, step := range steps {
		out = append(out, entriesForStep(step, stream.HintFor(step))...)
	}
	return out
}

// resolveAsk annotates the pending question entry for requestID. It walks
// backwards because the latest question is the only answerable one.
func resolveAsk(entries []entry, requestID, answered string) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		if e.kind != entryStep || e.step.Type != api.StepAskHuman {
			continue
		}
		if ask, ok := e.step.Ask(); ok && ask.RequestID == requestID {
			e.resolved = true
			e.answered = answered
			return
		}
	}
}

func renderEntry(e entry, width int) string {
	switch e.kind {
	case entryDivider:
		label := fmt.Sprintf("── %s ", e.text)
		rest := width - lipgloss.Width(label) - 2
		if rest < 0 {
			rest = 0
		}
		return dividerStyle.Render(label + strings.Repeat("─", rest))

	case entryFile:
		f := e.file
		body := fmt.Sprintf("%s %s  %s", fileIcon(f.Kind), f.Name, mutedStyle.Render(f.Path))
		hint := mutedStyle.Render("o: open")
		return fileBlockStyle.Render(body + "  " + hint)

	case entryNote:
		return noteStyle.Render("  " + e.text)
	}

	step := e.step
	icon := stepIcon(step.Type)
	label := stepLabelStyle.Render(fmt.Sprintf("%-8s", string(step.Type)))

	body := step.Body()
	if step.Type == api.StepAskHuman {
		if ask, ok := step.Ask(); ok {
			body = ask.Question
		}
		switch {
		case e.resolved && e.answered == "":
			body += "  " + skippedStyle.Render("(skipped)")
		case e.resolved:
			body += "  " + answeredStyle.Render("→ "+e.answered)
		default:
			body += "  " + pendingStyle.Render("(awaiting answer)")
		}
	}
	if step.Type == api.StepError {
		body = errorTextStyle.Render(body)
	}

	// Continuation lines align under the body text.
	indent := "  " + strings.Repeat(" ", lipgloss.Width(icon)+1+8+1)
	lines := strings.Split(body, "\n")
	for i := 1; i < len(lines); i++ {
		lines[i] = indent + lines[i]
	}
	return fmt.Sprintf("  %s %s %s", icon, label, strings.Join(lines, "\n"))
}

func renderEntries(entries []entry, width int) string {
	if len(entries) == 0 {
		return mutedStyle.Render("  waiting for the first step...")
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, renderEntry(e, width))
	}
	return strings.Join(lines, "\n")
}
