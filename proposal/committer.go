package proposal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nutriagent/storage"
)

// StoreCommitter writes confirmed proposals to the food log and goal stores.
// Each proposal maps to exactly one store call.
type StoreCommitter struct {
	logs  storage.FoodLogStore
	goals storage.GoalStore
	now   func() time.Time
}

func NewStoreCommitter(logs storage.FoodLogStore, goals storage.GoalStore) *StoreCommitter {
	return &StoreCommitter{logs: logs, goals: goals, now: time.Now}
}

func (c *StoreCommitter) Commit(ctx context.Context, p Proposal) error {
	at := c.now().UTC()
	switch pl := p.Payload.(type) {
	case FoodLogPayload:
		rows := make([]storage.FoodLog, 0, len(pl.Items))
		for _, it := range pl.Items {
			if it == nil {
				continue
			}
			rows = append(rows, storage.FoodLog{
				ID:          uuid.NewString(),
				UserID:      p.UserID,
				Name:        it.Name,
				MealType:    pl.MealType,
				ServingSize: it.ServingSize,
				Multiplier:  it.Multiplier,
				Nutrients:   it.Nutrients,
				Confidence:  it.Confidence,
				Source:      string(it.Source),
				ProposalID:  p.ID,
				LoggedAt:    at,
			})
		}
		return c.logs.InsertFoodLogs(ctx, rows)

	case RecipeLogPayload:
		return c.logs.InsertFoodLogs(ctx, []storage.FoodLog{{
			ID:          uuid.NewString(),
			UserID:      p.UserID,
			Name:        pl.RecipeName,
			MealType:    pl.MealType,
			ServingSize: "1 serving",
			Multiplier:  pl.Servings,
			Nutrients:   pl.Total(),
			Confidence:  pl.Confidence,
			Source:      "recipe:" + pl.RecipeID,
			ProposalID:  p.ID,
			LoggedAt:    at,
		}})

	case GoalUpdatePayload:
		g := pl.Goal
		if g.UserID == "" {
			g.UserID = p.UserID
		}
		g.UpdatedAt = at
		return c.goals.UpsertGoal(ctx, g)
	}
	return fmt.Errorf("unsupported proposal payload %T", p.Payload)
}
