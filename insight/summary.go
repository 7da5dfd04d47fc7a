package insight

import (
	"context"
	"fmt"

	"nutriagent/nutrition"
	"nutriagent/storage"
)

// Goal status colors.
const (
	StatusGreen  = "green"
	StatusYellow = "yellow"
	StatusRed    = "red"
)

// GoalProgress is one goal's standing today. Percent is nil when the target
// is zero.
type GoalProgress struct {
	Nutrient string           `json:"nutrient"`
	Target   float64          `json:"target_value"`
	Unit     string           `json:"unit,omitempty"`
	GoalType storage.GoalType `json:"goal_type"`
	Current  float64          `json:"current"`
	Percent  *float64         `json:"percent,omitempty"`
	Status   string           `json:"status,omitempty"`
}

type SummaryReport struct {
	Today         DayTotals           `json:"today"`
	WeeklyAverage nutrition.Nutrients `json:"weekly_average"`
	LoggedDays    int                 `json:"logged_days"`
	Goals         []GoalProgress      `json:"goals"`
}

// Summary reports today's totals, the seven-day average and progress toward
// each goal.
func (a *Aggregator) Summary(ctx context.Context, userID string) (SummaryReport, error) {
	logs, from, loc, err := a.window(ctx, userID, WindowDays)
	if err != nil {
		return SummaryReport{}, err
	}
	days := DailyTotals(logs, from, WindowDays, loc)

	r := SummaryReport{
		Today:         days[len(days)-1],
		WeeklyAverage: WeeklyAverage(days),
		Goals:         []GoalProgress{},
	}
	for _, d := range days {
		if d.Entries > 0 {
			r.LoggedDays++
		}
	}

	if a.cfg.Goals == nil {
		return r, nil
	}
	goals, err := a.cfg.Goals.Goals(ctx, userID)
	if err != nil {
		return SummaryReport{}, fmt.Errorf("load goals: %w", err)
	}
	for _, g := range goals {
		current, _ := r.Today.Totals.Get(g.Nutrient)
		r.Goals = append(r.Goals, Progress(g, current))
	}
	return r, nil
}

// Progress computes a goal's percentage and color band. Percent and Status
// are unset when the target is zero.
func Progress(g storage.Goal, current float64) GoalProgress {
	p := GoalProgress{
		Nutrient: g.Nutrient,
		Target:   g.TargetValue,
		Unit:     g.Unit,
		GoalType: g.GoalType,
		Current:  current,
	}
	if g.TargetValue == 0 {
		return p
	}
	pct := current / g.TargetValue * 100
	p.Percent = &pct

	switch g.GoalType {
	case storage.GoalTypeLimit:
		switch {
		case pct >= g.RedMin:
			p.Status = StatusRed
		case pct >= g.YellowMin:
			p.Status = StatusYellow
		default:
			p.Status = StatusGreen
		}
	default:
		switch {
		case pct >= g.GreenMin:
			p.Status = StatusGreen
		case pct >= g.YellowMin:
			p.Status = StatusYellow
		default:
			p.Status = StatusRed
		}
	}
	return p
}

func (r SummaryReport) Digest() map[string]any {
	goals := make([]map[string]any, 0, len(r.Goals))
	for _, g := range r.Goals {
		m := map[string]any{
			"nutrient":  g.Nutrient,
			"target":    g.Target,
			"current":   g.Current,
			"goal_type": string(g.GoalType),
		}
		if g.Percent != nil {
			m["percent"] = *g.Percent
			m["status"] = g.Status
		}
		goals = append(goals, m)
	}
	return map[string]any{
		"report":         "summary",
		"today":          r.Today.Totals.Map(),
		"today_entries":  r.Today.Entries,
		"weekly_average": r.WeeklyAverage.Map(),
		"logged_days":    r.LoggedDays,
		"goals":          goals,
	}
}
