// Package storage persists food logs, goals, profiles and the engine's caches.
// Every write failure is reported as a *PersistenceError.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nutriagent/nutrition"
)

// PersistenceError wraps a failed write. It is the one failure class allowed
// to abort a request.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is or wraps a *PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Meal types recognised by the insight audit.
const (
	MealBreakfast = "breakfast"
	MealLunch     = "lunch"
	MealDinner    = "dinner"
	MealSnack     = "snack"
	MealDrink     = "drink"
)

// FoodLog is one persisted, already-scaled food entry.
type FoodLog struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Name        string  `json:"name"`
	MealType    string  `json:"meal_type,omitempty"`
	ServingSize string  `json:"serving_size,omitempty"`
	Multiplier  float64 `json:"multiplier"`
	nutrition.Nutrients
	Confidence nutrition.Confidence `json:"confidence"`
	Source     string               `json:"source,omitempty"`
	ProposalID string               `json:"proposal_id,omitempty"`
	LoggedAt   time.Time            `json:"logged_at"`
}

type GoalType string

const (
	GoalTypeGoal  GoalType = "goal"
	GoalTypeLimit GoalType = "limit"
)

// Goal is a per-nutrient daily target. The *Min fields are percentages of
// target that start each color band.
type Goal struct {
	UserID      string    `json:"user_id"`
	Nutrient    string    `json:"nutrient"`
	TargetValue float64   `json:"target_value"`
	Unit        string    `json:"unit"`
	GoalType    GoalType  `json:"goal_type"`
	YellowMin   float64   `json:"yellow_min"`
	GreenMin    float64   `json:"green_min"`
	RedMin      float64   `json:"red_min"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Profile struct {
	UserID             string   `json:"user_id"`
	DisplayName        string   `json:"display_name,omitempty"`
	Timezone           string   `json:"timezone,omitempty"`
	Age                int      `json:"age,omitempty"`
	Sex                string   `json:"sex,omitempty"`
	HeightCm           float64  `json:"height_cm,omitempty"`
	WeightKg           float64  `json:"weight_kg,omitempty"`
	ActivityLevel      string   `json:"activity_level,omitempty"`
	DietaryPreferences []string `json:"dietary_preferences,omitempty"`
	Allergies          []string `json:"allergies,omitempty"`
}

// Classification is one classified user message, kept for usage analytics.
type Classification struct {
	UserID    string    `json:"user_id"`
	Day       string    `json:"day"`
	Category  string    `json:"category"`
	Ambiguity string    `json:"ambiguity_level"`
	At        time.Time `json:"at"`
}

// ProposalEvent records a proposal state transition.
type ProposalEvent struct {
	ProposalID     string    `json:"proposal_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Kind           string    `json:"kind"`
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

type FailedLookup struct {
	Name        string    `json:"name"`
	LastPortion string    `json:"last_portion,omitempty"`
	Attempts    int       `json:"attempts"`
	LastSeen    time.Time `json:"last_seen"`
}

type FoodLogStore interface {
	// InsertFoodLogs writes every row or none.
	InsertFoodLogs(ctx context.Context, logs []FoodLog) error
	// FoodLogsBetween returns a user's rows with from <= LoggedAt < to, oldest first.
	FoodLogsBetween(ctx context.Context, userID string, from, to time.Time) ([]FoodLog, error)
}

type GoalStore interface {
	Goals(ctx context.Context, userID string) ([]Goal, error)
	UpsertGoal(ctx context.Context, g Goal) error
}

type ProfileStore interface {
	Profile(ctx context.Context, userID string) (Profile, bool, error)
	UpsertProfile(ctx context.Context, p Profile) error
}

type ClassificationStore interface {
	RecordClassification(ctx context.Context, c Classification) error
	ClassificationCounts(ctx context.Context, userID, day string) (map[string]int, error)
}

type ProposalAuditStore interface {
	RecordProposalEvent(ctx context.Context, e ProposalEvent) error
	ProposalEvents(ctx context.Context, conversationID string) ([]ProposalEvent, error)
}

// Store is everything the engine persists.
type Store interface {
	FoodLogStore
	GoalStore
	ProfileStore
	ClassificationStore
	ProposalAuditStore
	nutrition.ProductCache
	nutrition.MultiplierCache
	nutrition.FailedLookupStore
	FailedLookups(ctx context.Context, limit int) ([]FailedLookup, error)
	Close() error
}
