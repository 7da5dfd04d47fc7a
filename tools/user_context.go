package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"nutriagent/insight"
	"nutriagent/storage"
)

type ProfileGet struct{ profiles storage.ProfileStore }

func NewProfileGet(profiles storage.ProfileStore) *ProfileGet { return &ProfileGet{profiles: profiles} }

func (t *ProfileGet) Name() string  { return "profile_get" }
func (t *ProfileGet) Title() string { return "Get Profile" }
func (t *ProfileGet) Description() string {
	return "Gets the user's profile: timezone, age, body measurements, activity level, dietary preferences and allergies."
}

func (t *ProfileGet) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{})
}

func (t *ProfileGet) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"found":   {Type: "boolean"},
		"profile": openObject(),
	}, "found")
}

func (t *ProfileGet) Run(ctx context.Context, _ map[string]any) (map[string]any, error) {
	p, ok, err := t.profiles.Profile(ctx, userFromContext(ctx))
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"found": false}, nil
	}
	profile, err := toMap(p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": true, "profile": profile}, nil
}

type GoalsGet struct{ goals storage.GoalStore }

func NewGoalsGet(goals storage.GoalStore) *GoalsGet { return &GoalsGet{goals: goals} }

func (t *GoalsGet) Name() string  { return "goals_get" }
func (t *GoalsGet) Title() string { return "Get Goals" }
func (t *GoalsGet) Description() string {
	return "Gets the user's daily nutrient goals and limits with their color band thresholds."
}

func (t *GoalsGet) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{})
}

func (t *GoalsGet) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{"goals": arrayOf(openObject())}, "goals")
}

func (t *GoalsGet) Run(ctx context.Context, _ map[string]any) (map[string]any, error) {
	goals, err := t.goals.Goals(ctx, userFromContext(ctx))
	if err != nil {
		return nil, err
	}
	if goals == nil {
		goals = []storage.Goal{}
	}
	return toMap(struct {
		Goals []storage.Goal `json:"goals"`
	}{goals})
}

// DailyTotalsGet reports today's totals with goal progress.
type DailyTotalsGet struct{ insights *insight.Aggregator }

func NewDailyTotalsGet(insights *insight.Aggregator) *DailyTotalsGet {
	return &DailyTotalsGet{insights: insights}
}

func (t *DailyTotalsGet) Name() string  { return "daily_totals_get" }
func (t *DailyTotalsGet) Title() string { return "Get Today's Totals" }
func (t *DailyTotalsGet) Description() string {
	return "Gets today's summed nutrients in the user's timezone and progress toward each goal."
}

func (t *DailyTotalsGet) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{})
}

func (t *DailyTotalsGet) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"today": openObject(),
		"goals": arrayOf(openObject()),
	}, "today", "goals")
}

func (t *DailyTotalsGet) Run(ctx context.Context, _ map[string]any) (map[string]any, error) {
	s, err := t.insights.Summary(ctx, userFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return toMap(struct {
		Today insight.DayTotals      `json:"today"`
		Goals []insight.GoalProgress `json:"goals"`
	}{s.Today, s.Goals})
}

type WeeklySummaryGet struct{ insights *insight.Aggregator }

func NewWeeklySummaryGet(insights *insight.Aggregator) *WeeklySummaryGet {
	return &WeeklySummaryGet{insights: insights}
}

func (t *WeeklySummaryGet) Name() string  { return "weekly_summary_get" }
func (t *WeeklySummaryGet) Title() string { return "Get Weekly Summary" }
func (t *WeeklySummaryGet) Description() string {
	return "Gets the seven-day rolling average of every nutrient, today's totals and goal progress."
}

func (t *WeeklySummaryGet) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{})
}

func (t *WeeklySummaryGet) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"today":          openObject(),
		"weekly_average": openObject(),
		"logged_days":    {Type: "integer"},
		"goals":          arrayOf(openObject()),
	}, "weekly_average")
}

func (t *WeeklySummaryGet) Run(ctx context.Context, _ map[string]any) (map[string]any, error) {
	s, err := t.insights.Summary(ctx, userFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return toMap(s)
}

const (
	defaultHistoryDays = 7
	maxHistoryDays     = 30
)

type FoodHistoryGet struct {
	logs     storage.FoodLogStore
	insights *insight.Aggregator
	now      func() time.Time
}

func NewFoodHistoryGet(logs storage.FoodLogStore, insights *insight.Aggregator) *FoodHistoryGet {
	return &FoodHistoryGet{logs: logs, insights: insights, now: time.Now}
}

func (t *FoodHistoryGet) Name() string  { return "food_history_get" }
func (t *FoodHistoryGet) Title() string { return "Get Food History" }
func (t *FoodHistoryGet) Description() string {
	return fmt.Sprintf("Gets logged food entries for the last N days including today (default %d, max %d).", defaultHistoryDays, maxHistoryDays)
}

func (t *FoodHistoryGet) InputSchema() *jsonschema.Schema {
	one, most := 1.0, float64(maxHistoryDays)
	return objectSchema(map[string]*jsonschema.Schema{
		"days": {Type: "integer", Minimum: &one, Maximum: &most},
	})
}

func (t *FoodHistoryGet) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"from":    stringSchema(),
		"to":      stringSchema(),
		"entries": arrayOf(openObject()),
	}, "entries")
}

func (t *FoodHistoryGet) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		Days int `json:"days"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Days <= 0 {
		in.Days = defaultHistoryDays
	}
	in.Days = min(in.Days, maxHistoryDays)

	user := userFromContext(ctx)
	loc := t.insights.Location(ctx, user)
	now := t.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	from := today.AddDate(0, 0, -(in.Days - 1))

	logs, err := t.logs.FoodLogsBetween(ctx, user, from, today.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []storage.FoodLog{}
	}
	return toMap(struct {
		From    string            `json:"from"`
		To      string            `json:"to"`
		Entries []storage.FoodLog `json:"entries"`
	}{from.Format(time.DateOnly), today.Format(time.DateOnly), logs})
}
