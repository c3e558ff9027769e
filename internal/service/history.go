package service

import (
	"fmt"
	"strings"

	"github.com/ai-ustad/ustad-chat/internal/model"
)

// DefaultHistoryWindow is the number of prior turns given to the model.
const DefaultHistoryWindow = 15

// BuildHistory formats the most recent window turns, oldest first. It
// returns "" when there are no turns.
func BuildHistory(turns []model.Message, window int) string {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	if len(turns) == 0 {
		return ""
	}

	blocks := make([]string, len(turns))
	for i, t := range turns {
		label := "AI USTAD"
		if t.Role == model.RoleUser {
			label = "USER"
		}
		blocks[i] = fmt.Sprintf("[Message %d] %s:\n%s", i+1, label, t.Content)
	}

	return fmt.Sprintf("=== CONVERSATION HISTORY (%d messages) ===\n\n%s\n\n=== END OF HISTORY ===",
		len(turns), strings.Join(blocks, "\n\n---\n\n"))
}

// ComposePrompt prepends history and reference-resolution instructions to
// the user's message.
func ComposePrompt(history, prompt string) string {
	if history == "" {
		return "User Question: " + prompt
	}

	var sb strings.Builder
	sb.WriteString(history)
	sb.WriteString("\n\n---\n\n**CURRENT USER MESSAGE:** ")
	sb.WriteString(prompt)
	sb.WriteString("\n\n")
	sb.WriteString(referenceInstructions)
	return sb.String()
}

// SystemInstruction returns the document-grounded instruction embedding
// corpus, or the general web-search instruction when corpus is blank.
func SystemInstruction(corpus string) string {
	if strings.TrimSpace(corpus) == "" {
		return generalPrompt
	}
	return documentPrompt + "\n[DOCUMENT]\n" + corpus + "\n[/DOCUMENT]\n"
}
