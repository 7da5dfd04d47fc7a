package tools

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nutriagent/analytics"
	"nutriagent/insight"
	"nutriagent/nutrition"
	"nutriagent/proposal"
	"nutriagent/storage"
)

const (
	testUser = "u1"
	testConv = "c1"
)

// now is Sunday 2026-03-08 20:00 UTC.
var now = time.Date(2026, 3, 8, 20, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.Memory
	sink     *analytics.Memory
	workflow *proposal.Workflow
	registry *Registry
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	recipes, err := os.ReadFile("../artifacts/recipes.json")
	require.NoError(t, err)

	f := &fixture{store: storage.NewMemory(), sink: analytics.NewMemory()}
	f.workflow = proposal.NewWorkflow(
		proposal.NewStoreCommitter(f.store, f.store),
		proposal.WithAudit(f.store),
		proposal.WithClock(func() time.Time { return now }),
	)
	resolver := nutrition.NewResolver(nutrition.ResolverConfig{
		Cache:         f.store,
		Fallback:      nutrition.DefaultFallbackTable(),
		FailedLookups: f.store,
		Sink:          f.sink,
	})
	insights := insight.NewAggregator(insight.AggregatorConfig{
		Logs:     f.store,
		Goals:    f.store,
		Profiles: f.store,
		Sink:     f.sink,
		Now:      func() time.Time { return now },
	})
	f.registry, err = NewRegistry(Deps{
		Store:    f.store,
		Resolver: resolver,
		Recipes:  storage.NewStaticRecipeSource(recipes),
		Insights: insights,
		Workflow: f.workflow,
	})
	require.NoError(t, err)
	f.ctx = ContextWithSession(context.Background(), testUser, testConv)
	return f
}

func (f *fixture) run(t *testing.T, name string, input map[string]any) (map[string]any, error) {
	t.Helper()
	tool, err := f.registry.GetTool(name)
	require.NoError(t, err)
	return tool.Run(f.ctx, input)
}

func (f *fixture) mustRun(t *testing.T, name string, input map[string]any) map[string]any {
	t.Helper()
	out, err := f.run(t, name, input)
	require.NoError(t, err)
	return out
}

func (f *fixture) logs(t *testing.T) []storage.FoodLog {
	t.Helper()
	logs, err := f.store.FoodLogsBetween(context.Background(), testUser, time.Unix(0, 0), time.Now().AddDate(1, 0, 0))
	require.NoError(t, err)
	return logs
}
