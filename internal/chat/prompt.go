// Package chat orchestrates the question-answering pipeline: history,
// retrieval context, prompt construction, generation, and persistence.
package chat

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/arabialabs/arabia-rag/internal/storage"
)

// NoHistoryMarker is the canonical stand-in for an empty conversation.
const NoHistoryMarker = "No previous conversation history."

// DefaultHistoryWindow is how many recent messages feed the prompt.
const DefaultHistoryWindow = 6

// promptTemplate carries the fixed system instruction plus the three
// substitution sections. Absent history or context is represented by the
// upstream marker strings, never by omitting a section.
const promptTemplate = `You are a knowledgeable assistant specializing in classical Islamic and Arabic texts from the Shamela digital library.

Answer the question using only the provided context. If the context does not contain enough information to answer, say so clearly instead of guessing. When your answer relies on a source document, cite it by its identifier tag, for example [ID: 12345_67].

Previous Conversation:
%s

Context:
%s

Question: %s

Answer:`

// FormatHistory renders the most recent window messages as a prompt-ready
// transcript, oldest first. An empty input yields NoHistoryMarker.
func FormatHistory(messages []storage.Message, window int) string {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if len(messages) == 0 {
		return NoHistoryMarker
	}
	if len(messages) > window {
		messages = messages[len(messages)-window:]
	}

	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		role := "Assistant"
		if msg.MessageType == storage.MessageTypeUser {
			role = "User"
		}
		lines = append(lines, role+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// ConstructPrompt substitutes history, context, and the query into the
// fixed template. Pure string assembly, no conditional sections.
func ConstructPrompt(historyText, contextText, query string) string {
	return fmt.Sprintf(promptTemplate, historyText, contextText, query)
}

// EstimateTokens approximates the token count of a prompt for logging and
// response metadata. Encoder init failure degrades to a length heuristic.
func EstimateTokens(prompt string) int {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return len(prompt) / 4
	}
	return len(encoder.Encode(prompt, nil, nil))
}
