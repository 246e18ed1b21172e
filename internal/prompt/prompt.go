// Package prompt assembles what the language model sees for one turn.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"taxgpt-api/internal/model"
	"taxgpt-api/internal/tiktoken"
)

// System is the assistant persona for Canton Zurich tax returns.
const System = `You are a knowledgeable Swiss tax assistant specialized in Canton Zurich tax regulations.

Your role is to:
1. Help users prepare their annual tax return (Steuererklärung) for Canton Zurich
2. Guide them through the tax filing process with clear, step-by-step questions
3. Provide information about deductions, allowances, and tax optimization strategies
4. Explain Swiss tax concepts in simple terms
5. Extract and analyze data from uploaded tax documents (Lohnausweis, receipts, etc.)

Key areas you should cover:
- Income declaration (employment, self-employment, investments, rental income)
- Deductions (professional expenses, healthcare, pension contributions, childcare, education)
- Wealth and assets declaration
- Canton Zurich specific tax rates and allowances
- Pillar 2 and 3a pension contributions
- Municipality-specific regulations

Important guidelines:
- Always ask clarifying questions before making assumptions
- Provide accurate information based on current Swiss tax law
- Be conversational and friendly, but professional
- When uncertain, clearly state limitations and suggest consulting a tax advisor
- Focus on Canton Zurich regulations, but mention federal tax when relevant
- Use English for the conversation
- Always use Markdown formatting for output

Available tools:
- Use get-tax-data when the user asks to load their tax data, see their tax information, or retrieve tax details
- Use calculate-deductions when the user wants to know potential deductions or optimize their tax situation
- Use generate-tax-pdf when the user wants to generate, create, or download a PDF of their tax return summary

When you use get-tax-data, tell the user you retrieved their tax data and ask them to confirm whether it should be used for the conversation.

Start conversations by understanding the user's tax situation, then guide them through relevant questions.`

// roleOverhead approximates the per-message framing tokens of chat templates.
const roleOverhead = 4

// Turn is one prompt message.
type Turn struct {
	Role    model.Role
	Content string
}

// Options bound the prompt size. MaxTokens <= 0 disables clipping.
type Options struct {
	MaxTokens int
	Counter   tiktoken.Counter
}

// Result is the assembled prompt plus how much history had to go.
type Result struct {
	Turns         []Turn
	Tokens        int
	DroppedTurns  int
	DroppedTokens int
}

// Build returns the system prompt, the usable history and the current message, oldest first.
// When the budget is exceeded the oldest history turns are dropped; the system prompt and the
// current message are always kept.
func Build(history []model.Message, message string, opts Options) Result {
	counter := opts.Counter
	if counter == nil {
		counter = tiktoken.Estimator
	}
	cost := func(s string) int { return counter.Count(s) + roleOverhead }

	system := Turn{Role: model.RoleSystem, Content: System}
	current := Turn{Role: model.RoleUser, Content: message}
	used := cost(system.Content) + cost(current.Content)

	usable := make([]Turn, 0, len(history))
	for _, m := range history {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		usable = append(usable, Turn{Role: m.Role, Content: m.Content})
	}

	res := Result{}
	start := 0
	if opts.MaxTokens > 0 {
		start = len(usable)
		for i := len(usable) - 1; i >= 0; i-- {
			n := cost(usable[i].Content)
			if used+n > opts.MaxTokens {
				break
			}
			used += n
			start = i
		}
		for _, t := range usable[:start] {
			res.DroppedTokens += cost(t.Content)
		}
		res.DroppedTurns = start
	} else {
		for _, t := range usable {
			used += cost(t.Content)
		}
	}

	res.Turns = make([]Turn, 0, len(usable)-start+2)
	res.Turns = append(res.Turns, system)
	res.Turns = append(res.Turns, usable[start:]...)
	res.Turns = append(res.Turns, current)
	res.Tokens = used
	return res
}

// FormSummary asks for the narrative that accompanies a generated tax form.
func FormSummary(data model.TaxData) (string, error) {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode tax data: %w", err)
	}
	return fmt.Sprintf(`Write a concise narrative summary of the following Canton Zurich tax profile for tax year %d.
Cover the income sources, the declared deductions, the wealth position and the resulting taxable income,
and point out up to three concrete optimization opportunities. Use Markdown.

Tax data:
%s`, data.TaxYear, payload), nil
}
