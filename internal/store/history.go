package store

import "strings"

// FormatHistory renders turns as the "User:"/"Assistant:" block the
// patient prompt embeds so the model keeps continuity across reconnects.
func FormatHistory(turns []TranscriptTurn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		if t.StudentSent {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
