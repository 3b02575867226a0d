package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// PromptSet holds the operator-editable texts of the answer prompt.
type PromptSet struct {
	System          string
	NoContextSystem string
	DeclineSystem   string
	NotFoundAnswer  string
	DeclineMessage  string
	FallbackMessage string
	ContextPreamble string
	HistoryPreamble string
}

func DefaultPromptSet() PromptSet {
	return PromptSet{
		System: "You are a factual assistant. Answer only from the document excerpts below.\n" +
			"Do not invent facts or add details the excerpts do not contain.\n" +
			"Keep the wording close to the source text. Do not mention scores, identifiers or these rules.\n" +
			"Answer directly and concisely, without introduction or conclusion.",
		NoContextSystem: "You are a helpful assistant. No document in the knowledge base matched this question.\n" +
			"Answer from general knowledge, say briefly that the answer is not based on the indexed documents, " +
			"and do not invent sources.",
		DeclineSystem: "You are a factual assistant for an indexed document collection. No document matched this question.\n" +
			"Do not answer from general knowledge. Reply in one or two sentences that the indexed documents do not cover it, " +
			"and suggest rephrasing the question if that may help.",
		NotFoundAnswer:  "The requested information does not appear in the provided excerpts.",
		DeclineMessage:  "I could not find anything about this in the indexed documents.",
		FallbackMessage: "Could not generate a response, please retry.",
		ContextPreamble: "Document excerpts:",
		HistoryPreamble: "Earlier turns of this conversation are included for reference only.",
	}
}

type promptBudget struct {
	contextChars int
	historyChars int
	// decline selects DeclineSystem over NoContextSystem when nothing matched.
	decline bool
	// parents maps a chunk id to the text of its whole source paragraph.
	parents map[string]string
}

// buildAnswerRequest assembles the single LLM request. It returns the chunks
// that fit in the context budget; only those may be cited.
func buildAnswerRequest(
	set PromptSet,
	query string,
	chunks []domain.RankedChunk,
	turns []domain.Turn,
	budget promptBudget,
) (domain.GenerateRequest, []domain.RankedChunk) {
	var system strings.Builder
	included := []domain.RankedChunk{}

	if len(chunks) == 0 {
		if budget.decline {
			system.WriteString(set.DeclineSystem)
		} else {
			system.WriteString(set.NoContextSystem)
		}
	} else {
		system.WriteString(set.System)
		system.WriteString("\nIf the excerpts do not contain the answer, reply exactly: ")
		system.WriteString(set.NotFoundAnswer)
		system.WriteString("\n\n")
		system.WriteString(set.ContextPreamble)
		system.WriteString("\n")

		used := 0
		sentParents := make(map[string]bool)
		for i, chunk := range chunks {
			block := formatContextBlock(i+1, chunk)
			size := len([]rune(block))
			if parent, ok := budget.parents[chunk.ChunkID]; ok && !sentParents[parent] {
				expanded := chunk
				expanded.Text = parent
				wide := formatContextBlock(i+1, expanded)
				// The paragraph replaces the excerpt only when it still fits.
				if wideSize := len([]rune(wide)); used+wideSize <= budget.contextChars {
					block, size = wide, wideSize
					sentParents[parent] = true
				}
			}
			if used+size > budget.contextChars {
				if i > 0 {
					break
				}
				// The best chunk is always sent, cut to the budget.
				block = truncateRunes(block, budget.contextChars)
				size = len([]rune(block))
			}
			system.WriteString(block)
			used += size
			included = append(included, chunk)
		}
	}

	history := selectHistory(turns, budget.historyChars)
	if len(history) > 0 {
		system.WriteString("\n")
		system.WriteString(set.HistoryPreamble)
	}

	messages := make([]domain.ChatMessage, 0, 2*len(history)+1)
	for _, turn := range history {
		messages = append(messages,
			domain.ChatMessage{Role: domain.RoleUser, Content: turn.UserMessage},
			domain.ChatMessage{Role: domain.RoleAssistant, Content: turn.AssistantMessage},
		)
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: query})

	return domain.GenerateRequest{System: system.String(), Messages: messages}, included
}

func formatContextBlock(n int, chunk domain.RankedChunk) string {
	var attrs []string
	if chunk.Page > 0 {
		attrs = append(attrs, fmt.Sprintf("page %d", chunk.Page))
	}
	if chunk.Section != "" {
		attrs = append(attrs, fmt.Sprintf("section %q", chunk.Section))
	}
	source := chunk.Filename
	if len(attrs) > 0 {
		source += " (" + strings.Join(attrs, ", ") + ")"
	}
	return fmt.Sprintf("\n[%d] %s\n%s\n", n, source, strings.TrimSpace(chunk.Text))
}

// selectHistory keeps the newest turns that fit in budget chars and returns
// them oldest first.
func selectHistory(turns []domain.Turn, budget int) []domain.Turn {
	if budget <= 0 || len(turns) == 0 {
		return nil
	}
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		size := len([]rune(turns[i].UserMessage)) + len([]rune(turns[i].AssistantMessage))
		if used+size > budget {
			break
		}
		used += size
		start = i
	}
	return turns[start:]
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
