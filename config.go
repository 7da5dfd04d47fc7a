package nutriagent

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Generative backends selectable with MODEL_PROVIDER.
const (
	ProviderBedrock = "bedrock"
	ProviderOllama  = "ollama"
	ProviderGemini  = "gemini"
	ProviderOpenAI  = "openai"
)

type ModelConfig struct {
	Provider    string  `env:"MODEL_PROVIDER,default=bedrock"`
	ModelID     string  `env:"MODEL_ID"`
	MaxTokens   int32   `env:"MAX_TOKENS,default=1024"`
	Temperature float32 `env:"TEMPERATURE,default=0.2"`
	TopP        float32 `env:"TOP_P,default=0.9"`
}

type AgentConfig struct {
	DBPath              string        `env:"DB_PATH,default=nutriagent.db"`
	RecipesPath         string        `env:"RECIPES_PATH,default=artifacts/recipes.json"`
	RecipesS3Bucket     string        `env:"RECIPES_S3_BUCKET"`
	RecipesS3Key        string        `env:"RECIPES_S3_KEY,default=recipes.json"`
	BaseOllamaEndpoint  string        `env:"BASE_OLLAMA_ENDPOINT,default=http://localhost:11434"`
	MaxIterations       int           `env:"MAX_ITERATIONS,default=10"`
	UserTimezone        string        `env:"USER_TIMEZONE,default=UTC"`
	ProposalTTL         time.Duration `env:"PROPOSAL_TTL,default=30m"`
	FoodLookupURL       string        `env:"FOOD_LOOKUP_URL"`
	FoodLookupAPIKey    string        `env:"FOOD_LOOKUP_API_KEY"`
	GeminiAPIKey        string        `env:"GEMINI_API_KEY"`
	OpenAIAPIKey        string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `env:"OPENAI_BASE_URL"`
	AnalyticsWebhookURL string        `env:"ANALYTICS_WEBHOOK_URL"`
}

// Location parses UserTimezone. It is the day boundary for users without a
// profile timezone.
func (c AgentConfig) Location() (*time.Location, error) {
	if c.UserTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.UserTimezone)
	if err != nil {
		return nil, fmt.Errorf("USER_TIMEZONE: %w", err)
	}
	return loc, nil
}

// ResilienceConfig bounds every call to a generative or lookup service.
type ResilienceConfig struct {
	LLMTimeout         time.Duration `env:"LLM_TIMEOUT,default=20s"`
	LLMMaxRetries      int           `env:"LLM_MAX_RETRIES,default=2"`
	LookupTimeout      time.Duration `env:"LOOKUP_TIMEOUT,default=8s"`
	ResolveConcurrency int           `env:"RESOLVE_CONCURRENCY,default=4"`
}

type Config struct {
	Model      ModelConfig
	Agent      AgentConfig
	Resilience ResilienceConfig
}

// LoadConfig decodes every config section from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg.Model); err != nil {
		return Config{}, fmt.Errorf("model config: %w", err)
	}
	if err := envdecode.Decode(&cfg.Agent); err != nil {
		return Config{}, fmt.Errorf("agent config: %w", err)
	}
	if err := envdecode.Decode(&cfg.Resilience); err != nil {
		return Config{}, fmt.Errorf("resilience config: %w", err)
	}
	switch cfg.Model.Provider {
	case ProviderBedrock, ProviderOllama, ProviderGemini, ProviderOpenAI:
	default:
		return Config{}, fmt.Errorf("unsupported MODEL_PROVIDER %q", cfg.Model.Provider)
	}
	return cfg, nil
}
