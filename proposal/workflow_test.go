package proposal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriagent/analytics"
	"nutriagent/nutrition"
	"nutriagent/storage"
)

type fixture struct {
	wf    *Workflow
	store *storage.Memory
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	f := &fixture{store: store, clock: &now}
	f.wf = NewWorkflow(NewStoreCommitter(store, store),
		WithAudit(store),
		WithClock(func() time.Time { return *f.clock }),
	)
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func foodPayload(names ...string) FoodLogPayload {
	var items []*nutrition.FoodItem
	for _, n := range names {
		items = append(items, &nutrition.FoodItem{
			Name:       n,
			Nutrients:  nutrition.Nutrients{Calories: 200, ProteinG: 30},
			Confidence: nutrition.ConfidenceHigh,
			Multiplier: 1,
			Source:     nutrition.TierFallback,
		})
	}
	return FoodLogPayload{MealType: storage.MealLunch, Items: items}
}

func states(t *testing.T, store *storage.Memory, conversationID string) []string {
	t.Helper()
	events, err := store.ProposalEvents(context.Background(), conversationID)
	require.NoError(t, err)
	var out []string
	for _, e := range events {
		out = append(out, e.State)
	}
	return out
}

func TestWorkflow_ConfirmWritesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := analytics.ContextWithUser(context.Background(), "u1")

	p, err := f.wf.Propose(ctx, "c1", foodPayload("chicken breast"))
	require.NoError(t, err)
	assert.Equal(t, StateProposed, p.State)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, 0, f.store.FoodLogCount())

	confirmed, err := f.wf.Confirm(ctx, "c1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, confirmed.State)
	assert.Equal(t, 1, f.store.FoodLogCount())

	_, ok := f.wf.Pending(ctx, "c1")
	assert.False(t, ok)

	_, err = f.wf.Confirm(ctx, "c1", p.ID)
	assert.ErrorIs(t, err, ErrNoPending)
	assert.Equal(t, 1, f.store.FoodLogCount())

	assert.Equal(t, []string{"proposed", "confirmed"}, states(t, f.store, "c1"))

	logs, err := f.store.FoodLogsBetween(ctx, "u1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, p.ID, logs[0].ProposalID)
	assert.Equal(t, storage.MealLunch, logs[0].MealType)
}

func TestWorkflow_UnconfirmedProposalIsInert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.wf.Propose(ctx, "c1", foodPayload("chicken breast"))
	require.NoError(t, err)

	for range 5 {
		_, ok := f.wf.Observe(ctx, "c1", nil)
		assert.False(t, ok)
		_, ok = f.wf.Pending(ctx, "c1")
		assert.True(t, ok)
	}
	assert.Equal(t, 0, f.store.FoodLogCount())

	pending, ok := f.wf.Pending(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, p.ID, pending.ID)
}

func TestWorkflow_NewProposalSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chicken, err := f.wf.Propose(ctx, "c1", foodPayload("chicken"))
	require.NoError(t, err)
	rice, err := f.wf.Propose(ctx, "c1", foodPayload("rice"))
	require.NoError(t, err)

	pending, ok := f.wf.Pending(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, rice.ID, pending.ID)
	payload := pending.Payload.(FoodLogPayload)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "rice", payload.Items[0].Name)

	_, err = f.wf.Confirm(ctx, "c1", chicken.ID)
	assert.ErrorIs(t, err, ErrProposalMismatch)
	assert.Equal(t, 0, f.store.FoodLogCount())

	_, err = f.wf.Confirm(ctx, "c1", rice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.FoodLogCount())

	assert.Equal(t, []string{"proposed", "superseded", "proposed", "confirmed"}, states(t, f.store, "c1"))
}

func TestWorkflow_Observe(t *testing.T) {
	tests := []struct {
		name       string
		pending    []string
		mentioned  []string
		superseded bool
	}{
		{name: "same food", pending: []string{"grilled chicken breast"}, mentioned: []string{"chicken breast"}, superseded: false},
		{name: "partial mention", pending: []string{"chicken breast"}, mentioned: []string{"Chicken"}, superseded: false},
		{name: "new food", pending: []string{"chicken breast"}, mentioned: []string{"rice"}, superseded: true},
		{name: "one new among known", pending: []string{"eggs", "toast"}, mentioned: []string{"toast", "orange juice"}, superseded: true},
		{name: "nothing mentioned", pending: []string{"eggs"}, mentioned: nil, superseded: false},
		{name: "word inside another word", pending: []string{"steak"}, mentioned: []string{"tea"}, superseded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p, err := f.wf.Propose(ctx, "c1", foodPayload(tt.pending...))
			require.NoError(t, err)

			retired, ok := f.wf.Observe(ctx, "c1", tt.mentioned)
			assert.Equal(t, tt.superseded, ok)
			_, stillPending := f.wf.Pending(ctx, "c1")
			assert.Equal(t, !tt.superseded, stillPending)
			if tt.superseded {
				assert.Equal(t, p.ID, retired.ID)
				assert.Equal(t, StateSuperseded, retired.State)
				assert.Equal(t, ReasonNewEntities, retired.Reason)

				_, err := f.wf.Confirm(ctx, "c1", p.ID)
				assert.ErrorIs(t, err, ErrNoPending)
			}
			assert.Equal(t, 0, f.store.FoodLogCount())
		})
	}
}

func TestWorkflow_Decline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.wf.Decline(ctx, "c1", "")
	assert.ErrorIs(t, err, ErrNoPending)

	p, err := f.wf.Propose(ctx, "c1", foodPayload("cake"))
	require.NoError(t, err)

	_, err = f.wf.Decline(ctx, "c1", "some-other-id")
	assert.ErrorIs(t, err, ErrProposalMismatch)

	declined, err := f.wf.Decline(ctx, "c1", "")
	require.NoError(t, err)
	assert.Equal(t, p.ID, declined.ID)
	assert.Equal(t, StateDeclined, declined.State)
	assert.Equal(t, 0, f.store.FoodLogCount())

	_, ok := f.wf.Pending(ctx, "c1")
	assert.False(t, ok)
}

func TestWorkflow_Expiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.wf.Propose(ctx, "c1", foodPayload("bagel"))
	require.NoError(t, err)
	assert.Equal(t, p.CreatedAt.Add(DefaultTTL), p.ExpiresAt)

	f.advance(DefaultTTL)
	expired, err := f.wf.Confirm(ctx, "c1", p.ID)
	require.ErrorIs(t, err, ErrNoPending)
	assert.Equal(t, StateSuperseded, expired.State)
	assert.Equal(t, ReasonExpired, expired.Reason)
	assert.Equal(t, 0, f.store.FoodLogCount())

	events, err := f.store.ProposalEvents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ReasonExpired, events[1].Reason)
}

func TestWorkflow_ConversationsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.wf.Propose(ctx, "c1", foodPayload("apple"))
	require.NoError(t, err)
	b, err := f.wf.Propose(ctx, "c2", foodPayload("banana"))
	require.NoError(t, err)

	_, err = f.wf.Confirm(ctx, "c1", b.ID)
	assert.ErrorIs(t, err, ErrProposalMismatch)

	_, err = f.wf.Confirm(ctx, "c2", b.ID)
	require.NoError(t, err)
	pending, ok := f.wf.Pending(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, a.ID, pending.ID)
}

func TestWorkflow_FailedCommitStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.wf.Propose(ctx, "c1", foodPayload("salad"))
	require.NoError(t, err)

	f.store.FailWrites(true)
	_, err = f.wf.Confirm(ctx, "c1", p.ID)
	require.Error(t, err)
	assert.True(t, storage.IsPersistence(err))

	pending, ok := f.wf.Pending(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, p.ID, pending.ID)

	f.store.FailWrites(false)
	_, err = f.wf.Confirm(ctx, "c1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.FoodLogCount())
}

func TestWorkflow_ConfirmRequiresMatchingID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wf.Propose(ctx, "c1", foodPayload("oatmeal"))
	require.NoError(t, err)

	_, err = f.wf.Confirm(ctx, "c1", "")
	assert.ErrorIs(t, err, ErrProposalMismatch)
	assert.Equal(t, 0, f.store.FoodLogCount())
}

func TestWorkflow_RejectsEmptyPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload Payload
	}{
		{name: "nil payload", payload: nil},
		{name: "no items", payload: FoodLogPayload{}},
		{name: "only nil items", payload: FoodLogPayload{Items: []*nutrition.FoodItem{nil}}},
		{name: "recipe without servings", payload: RecipeLogPayload{RecipeName: "omelet"}},
		{name: "goal without nutrient", payload: GoalUpdatePayload{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.wf.Propose(ctx, "c1", tt.payload)
			assert.ErrorIs(t, err, ErrEmptyPayload)
		})
	}
	_, ok := f.wf.Pending(ctx, "c1")
	assert.False(t, ok)
}

func TestWorkflow_AuditFailureIsNotFatal(t *testing.T) {
	store := storage.NewMemory()
	audit := storage.NewMemory()
	audit.FailWrites(true)
	wf := NewWorkflow(NewStoreCommitter(store, store), WithAudit(audit))
	ctx := context.Background()

	p, err := wf.Propose(ctx, "c1", foodPayload("pear"))
	require.NoError(t, err)
	_, err = wf.Confirm(ctx, "c1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.FoodLogCount())
}

func TestStoreCommitter(t *testing.T) {
	ctx := analytics.ContextWithUser(context.Background(), "u1")

	t.Run("recipe logs one scaled row", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.wf.Propose(ctx, "c1", RecipeLogPayload{
			RecipeID:   "omelet",
			RecipeName: "Veggie Omelette",
			Servings:   2,
			PerServing: nutrition.Nutrients{Calories: 350, ProteinG: 22},
			Confidence: nutrition.ConfidenceMedium,
		})
		require.NoError(t, err)
		_, err = f.wf.Confirm(ctx, "c1", p.ID)
		require.NoError(t, err)

		logs, err := f.store.FoodLogsBetween(ctx, "u1", time.Time{}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, 700.0, logs[0].Calories)
		assert.Equal(t, 44.0, logs[0].ProteinG)
		assert.Equal(t, "recipe:omelet", logs[0].Source)
	})

	t.Run("goal update upserts", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.wf.Propose(ctx, "c1", GoalUpdatePayload{Goal: storage.Goal{
			Nutrient: nutrition.FieldProteinG, TargetValue: 150, Unit: "g", GoalType: storage.GoalTypeGoal,
		}})
		require.NoError(t, err)
		assert.Equal(t, KindGoalUpdate, p.Kind)
		_, err = f.wf.Confirm(ctx, "c1", p.ID)
		require.NoError(t, err)

		goals, err := f.store.Goals(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, goals, 1)
		assert.Equal(t, 150.0, goals[0].TargetValue)
		assert.Equal(t, 0, f.store.FoodLogCount())
	})

	t.Run("unknown payload", func(t *testing.T) {
		err := NewStoreCommitter(storage.NewMemory(), storage.NewMemory()).Commit(ctx, Proposal{})
		assert.Error(t, err)
	})
}

func TestFoodLogPayload_Summary(t *testing.T) {
	p := foodPayload("egg", "toast")
	p.Items[1].Confidence = nutrition.ConfidenceLow
	assert.Equal(t, nutrition.ConfidenceLow, p.Confidence())
	assert.Equal(t, 400.0, p.Total().Calories)
	assert.Equal(t, []string{"egg", "toast"}, p.Entities())
}

func TestCommitterFunc(t *testing.T) {
	boom := errors.New("boom")
	wf := NewWorkflow(CommitterFunc(func(context.Context, Proposal) error { return boom }))
	ctx := context.Background()
	p, err := wf.Propose(ctx, "c1", foodPayload("soup"))
	require.NoError(t, err)
	_, err = wf.Confirm(ctx, "c1", p.ID)
	assert.ErrorIs(t, err, boom)
}

func TestMentionsNew(t *testing.T) {
	tests := []struct {
		name      string
		pending   []string
		mentioned []string
		want      bool
	}{
		{name: "tea is not steak", pending: []string{"steak"}, mentioned: []string{"tea"}, want: true},
		{name: "ham is not graham", pending: []string{"ham"}, mentioned: []string{"graham crackers"}, want: true},
		{name: "plural of pending", pending: []string{"egg"}, mentioned: []string{"eggs"}, want: false},
		{name: "shorter phrase", pending: []string{"grilled chicken breast"}, mentioned: []string{"chicken"}, want: false},
		{name: "longer phrase", pending: []string{"rice"}, mentioned: []string{"brown rice"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mentionsNew(tt.pending, tt.mentioned))
		})
	}
}

func TestWorkflow_ConcurrentConfirmCommitsOnce(t *testing.T) {
	var commits atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	wf := NewWorkflow(CommitterFunc(func(context.Context, Proposal) error {
		commits.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	}))
	ctx := context.Background()
	p, err := wf.Propose(ctx, "c1", foodPayload("bagel"))
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = wf.Confirm(ctx, "c1", p.ID)
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = wf.Confirm(ctx, "c1", p.ID)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), commits.Load())
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrNoPending)
	_, ok := wf.Pending(ctx, "c1")
	assert.False(t, ok)
}

func TestWorkflow_FailedCommitDoesNotReplaceNewerProposal(t *testing.T) {
	boom := errors.New("boom")
	var wf *Workflow
	var newer Proposal
	wf = NewWorkflow(CommitterFunc(func(ctx context.Context, _ Proposal) error {
		var err error
		newer, err = wf.Propose(ctx, "c1", foodPayload("apple"))
		require.NoError(t, err)
		return boom
	}))
	ctx := context.Background()
	p, err := wf.Propose(ctx, "c1", foodPayload("pear"))
	require.NoError(t, err)

	_, err = wf.Confirm(ctx, "c1", p.ID)
	require.ErrorIs(t, err, boom)

	pending, ok := wf.Pending(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, newer.ID, pending.ID)
}
