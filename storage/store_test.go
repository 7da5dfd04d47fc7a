package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriagent/nutrition"
)

func newSQLiteStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nutri.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stores returns each Store implementation under a fresh state.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": newSQLiteStore(t),
	}
}

func TestStore_FoodLogsBetween(t *testing.T) {
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	fiber := 4.0
	logs := []FoodLog{
		{ID: "b", UserID: "u1", Name: "banana", Multiplier: 1, Nutrients: nutrition.Nutrients{Calories: 105, CarbsG: 27}, Confidence: nutrition.ConfidenceHigh, LoggedAt: base.Add(9 * time.Hour)},
		{ID: "a", UserID: "u1", Name: "oatmeal", Multiplier: 1, Nutrients: nutrition.Nutrients{Calories: 158, FiberG: &fiber}, Confidence: nutrition.ConfidenceMedium, LoggedAt: base.Add(8 * time.Hour)},
		{ID: "c", UserID: "u1", Name: "late snack", Multiplier: 1, LoggedAt: base.Add(24 * time.Hour)},
		{ID: "d", UserID: "u2", Name: "other user", Multiplier: 1, LoggedAt: base.Add(10 * time.Hour)},
	}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.InsertFoodLogs(ctx, logs))

			got, err := s.FoodLogsBetween(ctx, "u1", base, base.Add(24*time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "oatmeal", got[0].Name)
			assert.Equal(t, "banana", got[1].Name)
			assert.Equal(t, 105.0, got[1].Calories)
			require.NotNil(t, got[0].FiberG)
			assert.Equal(t, 4.0, *got[0].FiberG)
			assert.Equal(t, nutrition.ConfidenceMedium, got[0].Confidence)
			assert.True(t, got[0].LoggedAt.Equal(base.Add(8*time.Hour)))
		})
	}
}

func TestSQLite_InsertFoodLogsIsAllOrNone(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.InsertFoodLogs(ctx, []FoodLog{
		{ID: "dup", UserID: "u1", Name: "egg", Multiplier: 2, LoggedAt: now},
		{ID: "dup", UserID: "u1", Name: "toast", Multiplier: 1, LoggedAt: now},
	})
	require.Error(t, err)
	assert.True(t, IsPersistence(err))

	got, err := s.FoodLogsBetween(ctx, "u1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_GoalUpsert(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := Goal{UserID: "u1", Nutrient: nutrition.FieldProteinG, TargetValue: 120, Unit: "g", GoalType: GoalTypeGoal, YellowMin: 50, GreenMin: 80, RedMin: 0}
			require.NoError(t, s.UpsertGoal(ctx, g))

			g.TargetValue = 140
			require.NoError(t, s.UpsertGoal(ctx, g))
			require.NoError(t, s.UpsertGoal(ctx, Goal{UserID: "u1", Nutrient: nutrition.FieldCalories, TargetValue: 2000, GoalType: GoalTypeLimit}))

			goals, err := s.Goals(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, goals, 2)
			assert.Equal(t, nutrition.FieldCalories, goals[0].Nutrient)
			assert.Equal(t, GoalTypeLimit, goals[0].GoalType)
			assert.Equal(t, 140.0, goals[1].TargetValue)
			assert.False(t, goals[1].UpdatedAt.IsZero())

			none, err := s.Goals(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_Profile(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.Profile(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, ok)

			p := Profile{UserID: "u1", DisplayName: "Sam", Timezone: "America/New_York", Age: 34, Allergies: []string{"peanuts"}}
			require.NoError(t, s.UpsertProfile(ctx, p))

			got, ok, err := s.Profile(ctx, "u1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, p, got)
		})
	}
}

func TestStore_NutritionCaches(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.GetProduct(ctx, "greek yogurt")
			require.NoError(t, err)
			assert.False(t, ok)

			p := nutrition.Product{Name: "Greek Yogurt", ServingSize: "1 container (170g)", Nutrients: nutrition.Nutrients{Calories: 100, ProteinG: 17, CarbsG: 6}, Source: string(nutrition.TierExternal)}
			require.NoError(t, s.PutProduct(ctx, "greek yogurt", p))
			got, ok, err := s.GetProduct(ctx, "greek yogurt")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, p, got)

			_, ok, err = s.GetMultiplier(ctx, "rice", "1 bowl", "1 cup")
			require.NoError(t, err)
			assert.False(t, ok)
			require.NoError(t, s.PutMultiplier(ctx, "rice", "1 bowl", "1 cup", 1.5))
			require.NoError(t, s.PutMultiplier(ctx, "rice", "1 bowl", "1 cup", 1.75))
			m, ok, err := s.GetMultiplier(ctx, "rice", "1 bowl", "1 cup")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 1.75, m)
		})
	}
}

func TestStore_FailedLookupsCountAttempts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, want := range []int{1, 2, 3} {
				n, err := s.RecordFailedLookup(ctx, "dragon fruit smoothie", "1 cup")
				require.NoError(t, err, "attempt %d", i)
				assert.Equal(t, want, n)
			}
			n, err := s.RecordFailedLookup(ctx, "mystery stew", "")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			top, err := s.FailedLookups(ctx, 10)
			require.NoError(t, err)
			require.Len(t, top, 2)
			assert.Equal(t, "dragon fruit smoothie", top[0].Name)
			assert.Equal(t, 3, top[0].Attempts)
			assert.Equal(t, "1 cup", top[0].LastPortion)

			limited, err := s.FailedLookups(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestStore_ClassificationsAndProposalEvents(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, cat := range []string{"log_food", "log_food", "query_insights"} {
				require.NoError(t, s.RecordClassification(ctx, Classification{UserID: "u1", Day: "2026-03-02", Category: cat, Ambiguity: "clear"}))
			}
			require.NoError(t, s.RecordClassification(ctx, Classification{UserID: "u1", Day: "2026-03-03", Category: "log_food"}))

			counts, err := s.ClassificationCounts(ctx, "u1", "2026-03-02")
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"log_food": 2, "query_insights": 1}, counts)

			require.NoError(t, s.RecordProposalEvent(ctx, ProposalEvent{ProposalID: "p1", ConversationID: "c1", Kind: "food_log", State: "proposed"}))
			require.NoError(t, s.RecordProposalEvent(ctx, ProposalEvent{ProposalID: "p1", ConversationID: "c1", Kind: "food_log", State: "committed"}))
			require.NoError(t, s.RecordProposalEvent(ctx, ProposalEvent{ProposalID: "p2", ConversationID: "c2", Kind: "goal_update", State: "proposed"}))

			events, err := s.ProposalEvents(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, "proposed", events[0].State)
			assert.Equal(t, "committed", events[1].State)
			assert.False(t, events[1].At.IsZero())
		})
	}
}

func TestMemory_FailWrites(t *testing.T) {
	m := NewMemory()
	m.FailWrites(true)
	ctx := context.Background()

	err := m.InsertFoodLogs(ctx, []FoodLog{{ID: "x", UserID: "u1", Name: "egg"}})
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.True(t, errors.Is(err, ErrWritesDisabled))
	assert.Equal(t, 0, m.FoodLogCount())

	_, err = m.RecordFailedLookup(ctx, "egg", "")
	assert.True(t, IsPersistence(err))

	m.FailWrites(false)
	require.NoError(t, m.InsertFoodLogs(ctx, []FoodLog{{ID: "x", UserID: "u1", Name: "egg"}}))
	assert.Equal(t, 1, m.FoodLogCount())
}

func TestPersistenceError(t *testing.T) {
	base := errors.New("disk full")
	err := persistErr("insert food log", base)
	assert.EqualError(t, err, "storage: insert food log: disk full")
	assert.ErrorIs(t, err, base)
	assert.Nil(t, persistErr("noop", nil))
	assert.False(t, IsPersistence(base))
}
