package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriagent"
	"nutriagent/storage"
)

func ollamaConfig(dbPath, recipes string) nutriagent.Config {
	return nutriagent.Config{
		Model: nutriagent.ModelConfig{Provider: nutriagent.ProviderOllama, ModelID: "llama3.2"},
		Agent: nutriagent.AgentConfig{
			DBPath:             dbPath,
			RecipesPath:        recipes,
			BaseOllamaEndpoint: "http://127.0.0.1:11434",
			MaxIterations:      4,
			UserTimezone:       "UTC",
			ProposalTTL:        time.Minute,
		},
		Resilience: nutriagent.ResilienceConfig{LLMTimeout: time.Second, LLMMaxRetries: -1},
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		dbPath    string
		recipes   string
		wantTools int
		memory    bool
	}{
		{"memory store without recipes", MemoryDB, "", 13, true},
		{"sqlite store with recipes", filepath.Join(t.TempDir(), "nutri.db"), "../artifacts/recipes.json", 16, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(context.Background(), ollamaConfig(tt.dbPath, tt.recipes), nil)
			require.NoError(t, err)
			defer a.Close()

			assert.NotNil(t, a.Coordinator)
			assert.Len(t, a.Registry.GetTools(), tt.wantTools)
			_, isMemory := a.Store.(*storage.Memory)
			assert.Equal(t, tt.memory, isMemory)
		})
	}
}

func TestNewRejectsBadTimezone(t *testing.T) {
	cfg := ollamaConfig(MemoryDB, "")
	cfg.Agent.UserTimezone = "Mars/Olympus_Mons"
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "USER_TIMEZONE")
}

func TestNewRequiresProviderKey(t *testing.T) {
	cfg := ollamaConfig(MemoryDB, "")
	cfg.Model.Provider = nutriagent.ProviderOpenAI
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "api key")
}
