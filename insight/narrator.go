package insight

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"nutriagent/llm"
)

// Digester is a report that can describe itself with numbers only.
type Digester interface {
	Digest() map[string]any
}

const narratorSystemPrompt = `You write a short, friendly explanation (at most four sentences) of a nutrition report for the person it describes.
Use only the numbers in the JSON you are given. Do not invent foods, numbers or medical advice.
Flags are heuristic hints that something may be missing from the log; phrase them as gentle suggestions.`

// Narrator turns report digests into prose. It never sees log text.
type Narrator struct {
	completer llm.Completer
}

func NewNarrator(completer llm.Completer) *Narrator {
	return &Narrator{completer: completer}
}

// Narrate returns prose for report, or false when the completion service is
// unavailable. The report itself is unaffected either way.
func (n *Narrator) Narrate(ctx context.Context, report Digester) (string, bool) {
	if n == nil || n.completer == nil {
		return "", false
	}
	b, err := json.Marshal(report.Digest())
	if err != nil {
		slog.Warn("NARRATOR: failed to encode digest", "error", err)
		return "", false
	}
	req := llm.UserPrompt(narratorSystemPrompt, string(b))
	req.MaxTokens = 300
	out, err := n.completer.Complete(ctx, req)
	if err != nil {
		slog.Warn("NARRATOR: completion failed; returning numbers only", "error", err)
		return "", false
	}
	out = strings.TrimSpace(out)
	return out, out != ""
}
