// Package prompt renders a chat turn into the raw-completion prompt format
// understood by llama-server.
package prompt

import (
	"strings"

	"github.com/floegence/offline-doctor/internal/convstore"
)

// HistoryWindow is the number of most recent history messages included in a prompt.
const HistoryWindow = 10

// SystemPreamble opens every prompt.
const SystemPreamble = "You are an AI medical assistant designed to help healthcare professionals, " +
	"particularly resident doctors in remote locations. You provide information about medical conditions, " +
	"symptoms, differential diagnoses, and treatment options. Always remind users that your responses are " +
	"for educational purposes and should not replace clinical judgment or proper medical evaluation.\n\n"

// Build returns the prompt for message given the chronological history of the
// conversation. Only the last HistoryWindow messages are used; roles other than
// user and assistant are skipped.
func Build(message string, history []convstore.Message) string {
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}

	var b strings.Builder
	b.WriteString(SystemPreamble)
	for _, m := range history {
		switch m.Role {
		case convstore.RoleUser:
			b.WriteString("Human: ")
		case convstore.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString("Human: ")
	b.WriteString(message)
	b.WriteString("\nAssistant: ")
	return b.String()
}
