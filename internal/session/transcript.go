package session

import "strings"

// Placeholders used when there is nothing to show.
const (
	NoHistoryPlaceholder = "(no previous messages)"
	NoSummaryPlaceholder = "No conversation summary yet."
)

// Labels names the two speakers when rendering history as text.
type Labels struct {
	User      string
	Assistant string
}

// DefaultLabels is used by the direct conversation pipeline.
var DefaultLabels = Labels{User: "User", Assistant: "Agent"}

func (l Labels) label(role string) string {
	if role == RoleAssistant {
		return l.Assistant
	}
	return l.User
}

// FormatTurns renders turns one per line as "<label>: <content>".
func FormatTurns(turns []Turn, labels Labels) string {
	if len(turns) == 0 {
		return NoHistoryPlaceholder
	}
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(labels.label(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	return sb.String()
}

// RenderSummary turns a stored summary into prompt text. Structured notes
// become labelled lines; unstructured text passes through unchanged.
func RenderSummary(summary string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return NoSummaryPlaceholder
	}
	if n, err := ParseNotes(summary); err == nil {
		if n.Empty() {
			return NoSummaryPlaceholder
		}
		return n.Render()
	}
	return summary
}
