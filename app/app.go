// Package app assembles the engine from configuration. Both binaries build
// one App and drive its Coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"nutriagent"
	"nutriagent/analytics"
	"nutriagent/coordinator"
	"nutriagent/insight"
	"nutriagent/intent"
	"nutriagent/llm"
	"nutriagent/nutrition"
	"nutriagent/proposal"
	"nutriagent/storage"
	"nutriagent/tools"
)

// MemoryDB selects the in-memory store instead of SQLite.
const MemoryDB = ":memory:"

type App struct {
	Store       storage.Store
	Resolver    *nutrition.Resolver
	Insights    *insight.Aggregator
	Narrator    *insight.Narrator
	Workflow    *proposal.Workflow
	Registry    *tools.Registry
	Coordinator *coordinator.Coordinator
}

// New wires every component. The coordinator drives tools with the configured
// provider when it supports native tool calling (Bedrock, Ollama) and with
// Bedrock otherwise.
func New(ctx context.Context, cfg nutriagent.Config, logger nutriagent.CoordinationLogger) (*App, error) {
	loc, err := cfg.Agent.Location()
	if err != nil {
		return nil, err
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMaxAttempts(5))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	store, err := newStore(cfg.Agent.DBPath)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		return nil, errors.Join(err, store.Close())
	}

	completer, err := newCompleter(ctx, cfg, loadAWS)
	if err != nil {
		return fail(err)
	}
	completer = llm.NewResilient(completer, llm.ResilientOptions{
		Timeout:    cfg.Resilience.LLMTimeout,
		MaxRetries: cfg.Resilience.LLMMaxRetries,
	})

	sink := analytics.Multi{analytics.LogSink{}}
	if cfg.Agent.AnalyticsWebhookURL != "" {
		sink = append(sink, analytics.NewWebhook(cfg.Agent.AnalyticsWebhookURL, http.DefaultClient))
	}

	var lookup nutrition.Lookup
	if cfg.Agent.FoodLookupURL != "" {
		lookup = nutrition.NewHTTPLookup(cfg.Agent.FoodLookupURL, cfg.Agent.FoodLookupAPIKey, http.DefaultClient)
	}
	resolver := nutrition.NewResolver(nutrition.ResolverConfig{
		Cache:         store,
		Lookup:        lookup,
		Fallback:      nutrition.DefaultFallbackTable(),
		Estimator:     completer,
		Scaler:        nutrition.NewScaler(store, completer),
		FailedLookups: store,
		Sink:          sink,
		Concurrency:   cfg.Resilience.ResolveConcurrency,
		LookupTimeout: cfg.Resilience.LookupTimeout,
	})

	recipes, err := newRecipeSource(cfg.Agent, loadAWS)
	if err != nil {
		return fail(err)
	}

	workflow := proposal.NewWorkflow(
		proposal.NewStoreCommitter(store, store),
		proposal.WithTTL(cfg.Agent.ProposalTTL),
		proposal.WithAudit(store),
	)
	insights := insight.NewAggregator(insight.AggregatorConfig{
		Logs:     store,
		Goals:    store,
		Profiles: store,
		Sink:     sink,
		Location: loc,
	})
	narrator := insight.NewNarrator(completer)

	registry, err := tools.NewRegistry(tools.Deps{
		Store:    store,
		Resolver: resolver,
		Recipes:  recipes,
		Insights: insights,
		Narrator: narrator,
		Workflow: workflow,
	})
	if err != nil {
		return fail(err)
	}

	client, err := newToolClient(cfg, loadAWS)
	if err != nil {
		return fail(err)
	}
	coord, err := coordinator.New(coordinator.Config{
		LLM:   client,
		Tools: registry,
		Classifier: intent.NewClassifier(intent.ClassifierConfig{
			Completer: completer,
			Recorder:  store,
			Location:  loc,
		}),
		Workflow:      workflow,
		MaxIterations: cfg.Agent.MaxIterations,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}

	slog.Info("SETUP: Engine ready",
		"provider", cfg.Model.Provider,
		"db", cfg.Agent.DBPath,
		"recipes", recipes != nil,
		"lookup", lookup != nil,
		"tools", len(registry.GetTools()),
	)
	return &App{
		Store:       store,
		Resolver:    resolver,
		Insights:    insights,
		Narrator:    narrator,
		Workflow:    workflow,
		Registry:    registry,
		Coordinator: coord,
	}, nil
}

func (a *App) Close() error { return a.Store.Close() }

func newStore(dbPath string) (storage.Store, error) {
	if dbPath == "" || dbPath == MemoryDB {
		return storage.NewMemory(), nil
	}
	db, err := storage.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	return db, nil
}

func newCompleter(ctx context.Context, cfg nutriagent.Config, loadAWS func() (aws.Config, error)) (llm.Completer, error) {
	switch cfg.Model.Provider {
	case nutriagent.ProviderOllama:
		return llm.NewOllama(cfg.Agent.BaseOllamaEndpoint, cfg.Model.ModelID, http.DefaultClient), nil
	case nutriagent.ProviderGemini:
		return llm.NewGeminiClient(ctx, cfg.Agent.GeminiAPIKey, cfg.Model.ModelID)
	case nutriagent.ProviderOpenAI:
		return llm.NewOpenAIClient(cfg.Agent.OpenAIAPIKey, cfg.Agent.OpenAIBaseURL, cfg.Model.ModelID)
	default:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return llm.NewBedrock(bedrockruntime.NewFromConfig(awsCfg), bedrockOptions(cfg.Model)), nil
	}
}

func newToolClient(cfg nutriagent.Config, loadAWS func() (aws.Config, error)) (coordinator.LLMClient, error) {
	if cfg.Model.Provider == nutriagent.ProviderOllama {
		return coordinator.NewOllamaClient(cfg.Agent.BaseOllamaEndpoint, cfg.Model.ModelID, http.DefaultClient).
			WithTimeout(cfg.Resilience.LLMTimeout), nil
	}
	awsCfg, err := loadAWS()
	if err != nil {
		return nil, err
	}
	opts := bedrockOptions(cfg.Model)
	if cfg.Model.Provider != nutriagent.ProviderBedrock {
		// MODEL_ID names a model of another provider.
		opts.ModelID = ""
	}
	return coordinator.NewConverseClient(bedrockruntime.NewFromConfig(awsCfg), opts).
		WithTimeout(cfg.Resilience.LLMTimeout), nil
}

func bedrockOptions(m nutriagent.ModelConfig) llm.BedrockOptions {
	return llm.BedrockOptions{
		ModelID:     m.ModelID,
		MaxTokens:   m.MaxTokens,
		Temperature: m.Temperature,
		TopP:        m.TopP,
	}
}

// newRecipeSource prefers S3 when a bucket is configured. An empty
// RECIPES_PATH disables the recipe tools.
func newRecipeSource(cfg nutriagent.AgentConfig, loadAWS func() (aws.Config, error)) (storage.RecipeSource, error) {
	if cfg.RecipesS3Bucket != "" {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return storage.NewS3RecipeSource(s3.NewFromConfig(awsCfg), cfg.RecipesS3Bucket, cfg.RecipesS3Key), nil
	}
	if cfg.RecipesPath == "" {
		return nil, nil
	}
	return storage.NewFileRecipeSource(cfg.RecipesPath), nil
}
