package nutriagent

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCoordinationLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewFileCoordinationLogger(&buf)

	require.NoError(t, l.Flush())
	assert.Zero(t, buf.Len(), "nothing buffered, nothing written")

	require.NoError(t, l.LogIteration(IterationLog{ConversationID: "c1", Turn: 1, Iteration: 1, Timestamp: time.Unix(0, 0).UTC()}))
	require.NoError(t, l.LogIteration(IterationLog{
		ConversationID: "c1",
		Turn:           1,
		Iteration:      2,
		ToolCalls:      []ToolCallLog{{Name: "nutrition_resolve", Input: map[string]any{"items": []any{}}}},
		Error:          "boom",
	}))
	require.NoError(t, l.Flush())

	var doc struct {
		Session struct {
			Iterations []IterationLog `json:"iterations"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Session.Iterations, 2)
	assert.Equal(t, "boom", doc.Session.Iterations[1].Error)
	assert.Equal(t, "nutrition_resolve", doc.Session.Iterations[1].ToolCalls[0].Name)

	buf.Reset()
	require.NoError(t, l.Flush())
	assert.Zero(t, buf.Len(), "flush clears the buffer")
}

func TestStdoutCoordinationLogger(t *testing.T) {
	var buf bytes.Buffer
	l := &StdoutCoordinationLogger{out: &buf}
	require.NoError(t, l.LogIteration(IterationLog{Iteration: 1}))
	require.NoError(t, l.LogIteration(IterationLog{Iteration: 2}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var it IterationLog
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &it))
	assert.Equal(t, 2, it.Iteration)
}

func TestNewCoordinationLogFilePath(t *testing.T) {
	p := NewCoordinationLogFilePath("us.anthropic.claude:0")
	assert.True(t, strings.HasPrefix(p, "./logs/"))
	assert.True(t, strings.HasSuffix(p, ".us.anthropic.claude_0.json"))
	assert.True(t, strings.HasSuffix(NewCoordinationLogFilePath(""), ".default.json"))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", "ollama")
	t.Setenv("PROPOSAL_TTL", "5m")
	t.Setenv("USER_TIMEZONE", "Europe/Paris")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, cfg.Model.Provider)
	assert.Equal(t, 5*time.Minute, cfg.Agent.ProposalTTL)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 20*time.Second, cfg.Resilience.LLMTimeout)
	assert.Equal(t, 4, cfg.Resilience.ResolveConcurrency)

	loc, err := cfg.Agent.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", loc.String())

	t.Setenv("MODEL_PROVIDER", "carrier-pigeon")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "unsupported MODEL_PROVIDER")
}

func TestSdump(t *testing.T) {
	out := Sdump(map[string]int{"b": 2, "a": 1})
	assert.Less(t, strings.Index(out, `"a"`), strings.Index(out, `"b"`))
}
