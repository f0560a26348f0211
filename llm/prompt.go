package llm

import (
	"fmt"
	"strings"

	"sagebase_back/knowledge"
)

const defaultSystemPrompt = "You are a knowledgeable assistant. Answer using the provided reference excerpts. " +
	"When the excerpts do not cover the question, say so instead of guessing. Cite excerpts as [1], [2] and so on."

// Reference is the client-facing view of one retrieved snippet, numbered the
// way the prompt cites it.
type Reference struct {
	Index      int      `json:"index"`
	DocumentID string   `json:"document_id"`
	Title      *string  `json:"title"`
	Source     *string  `json:"source,omitempty"`
	Score      float64  `json:"score"`
	Excerpt    string   `json:"excerpt"`
	Tags       []string `json:"tags,omitempty"`
}

// buildGroundedMessages composes the chat payload: system instructions, the
// numbered excerpts, prior turns, then the user question.
func buildGroundedMessages(snippets []knowledge.Snippet, history []ChatMessage, query string) ([]ChatMessage, []Reference) {
	references := make([]Reference, 0, len(snippets))
	var excerpts strings.Builder

	for i, snippet := range snippets {
		ref := Reference{
			Index:      i + 1,
			DocumentID: snippet.DocumentID,
			Title:      snippet.Title,
			Source:     snippet.Source,
			Score:      snippet.Score,
			Excerpt:    snippet.Text,
			Tags:       snippet.Tags,
		}
		references = append(references, ref)

		title := "untitled"
		if snippet.Title != nil && strings.TrimSpace(*snippet.Title) != "" {
			title = *snippet.Title
		}
		fmt.Fprintf(&excerpts, "[%d] %s\n%s\n\n", i+1, title, snippet.Text)
	}

	messages := make([]ChatMessage, 0, len(history)+3)
	messages = append(messages, ChatMessage{Role: "system", Content: defaultSystemPrompt})
	if excerpts.Len() > 0 {
		messages = append(messages, ChatMessage{
			Role:    "system",
			Content: "Reference excerpts:\n\n" + strings.TrimRight(excerpts.String(), "\n"),
		})
	}

	for _, turn := range history {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "user" && role != "assistant" && role != "system" {
			continue
		}
		messages = append(messages, ChatMessage{Role: role, Content: turn.Content})
	}

	messages = append(messages, ChatMessage{Role: "user", Content: query})
	return messages, references
}
