package coordinator

import (
	"encoding/json"
	"fmt"

	"nutriagent/intent"
	"nutriagent/proposal"
)

type Prompt struct {
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// TurnContext is what the coordinator already knows about the current turn
// before the model sees it.
type TurnContext struct {
	Intent  intent.Intent   `json:"intent"`
	Pending *PendingSummary `json:"pending_proposal,omitempty"`
}

type PendingSummary struct {
	ID       string        `json:"proposal_id"`
	Kind     proposal.Kind `json:"kind"`
	Entities []string      `json:"about"`
}

func summarize(p proposal.Proposal) *PendingSummary {
	return &PendingSummary{ID: p.ID, Kind: p.Kind, Entities: p.Payload.Entities()}
}

// NewPrompt builds the first request of a turn: the system contract with the
// turn context, the recent conversation and the new user message.
func NewPrompt(turn TurnContext, history []Message, message string, specs []ToolSpec) (Prompt, error) {
	ctxJSON, err := json.Marshal(turn)
	if err != nil {
		return Prompt{}, fmt.Errorf("encode turn context: %w", err)
	}

	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, textMessage("system", systemPrompt+"\nTURN CONTEXT:\n"+string(ctxJSON)))
	msgs = append(msgs, history...)
	msgs = append(msgs, textMessage("user", message))
	return Prompt{Messages: msgs, Tools: specs}, nil
}

const systemPrompt = `You are a nutrition logging assistant. You help one user log what they eat, track goals and understand their habits.

HOW TO ACT:
Use the provided tools through the tool interface. Do not write tool calls as JSON text.
When you are done, answer the user in a few plain sentences. No JSON, no markdown tables.

LOGGING RULES:
- Nothing is ever saved without the user's explicit confirmation.
- To log food, call food_log_propose (or recipe_log_propose for a catalog recipe). To change a goal, call goal_update_propose.
- Show the proposal (foods, portions, calories, protein, carbs, fat, confidence) and ask the user to confirm.
- Call proposal_confirm only when the user's latest message confirms the pending proposal, and pass its proposal_id exactly.
- A message that names different foods is a new request, not a confirmation. Propose again.
- If a tool says some foods were unresolved, tell the user and ask for a clearer description.
- When confidence is low or medium, say the numbers are estimates.

CLARIFYING:
- If the turn context shows ambiguity_level "high", ask one short clarifying question and do not propose anything.
- For "medium" ambiguity, propose using a standard portion and say which portion you assumed.

ANSWERING QUESTIONS:
- Use daily_totals_get, weekly_summary_get, goals_get, food_history_get or insight_report for progress questions.
- Only quote numbers returned by tools. Never invent nutrition values.
- Reuse tool results you already have in this turn instead of calling the same tool again.

If a tool result has "retryable": true and a "message", relay that message to the user.
`
