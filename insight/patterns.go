package insight

import (
	"context"
	"fmt"
	"time"

	"nutriagent/nutrition"
)

const (
	FlagHighVariance = "high_day_to_day_variance"
	FlagWeekendSkew  = "weekend_skew"
)

type PatternReport struct {
	From          string              `json:"from"`
	To            string              `json:"to"`
	Days          []DayTotals         `json:"days"`
	LoggedDays    int                 `json:"logged_days"`
	Average       nutrition.Nutrients `json:"average"`
	CalorieRange  float64             `json:"calorie_range"`
	WeekdayAvgCal float64             `json:"weekday_avg_calories"`
	WeekendAvgCal float64             `json:"weekend_avg_calories"`
	Flags         []Flag              `json:"flags"`
}

// Patterns buckets the last seven days and flags variance and weekend skew.
// Averages divide by the full window; variance and skew use logged days only.
func (a *Aggregator) Patterns(ctx context.Context, userID string) (PatternReport, error) {
	logs, from, loc, err := a.window(ctx, userID, WindowDays)
	if err != nil {
		return PatternReport{}, err
	}
	days := DailyTotals(logs, from, WindowDays, loc)

	r := PatternReport{
		From:    days[0].Date,
		To:      days[len(days)-1].Date,
		Days:    days,
		Average: WeeklyAverage(days),
		Flags:   []Flag{},
	}

	var lo, hi float64
	var weekday, weekend []float64
	first := true
	for i, d := range days {
		if d.Entries == 0 {
			continue
		}
		r.LoggedDays++
		cal := d.Totals.Calories
		if first || cal < lo {
			lo = cal
		}
		if first || cal > hi {
			hi = cal
		}
		first = false

		switch from.AddDate(0, 0, i).Weekday() {
		case time.Saturday, time.Sunday:
			weekend = append(weekend, cal)
		default:
			weekday = append(weekday, cal)
		}
	}

	if r.LoggedDays >= 2 {
		r.CalorieRange = hi - lo
		if r.CalorieRange > VarianceCalories {
			r.Flags = append(r.Flags, Flag{
				Code:    FlagHighVariance,
				Message: fmt.Sprintf("daily calories ranged %.0f kcal (%.0f to %.0f)", r.CalorieRange, lo, hi),
			})
		}
	}
	r.WeekdayAvgCal = mean(weekday)
	r.WeekendAvgCal = mean(weekend)
	if len(weekday) > 0 && len(weekend) > 0 && r.WeekdayAvgCal > 0 &&
		r.WeekendAvgCal > r.WeekdayAvgCal*(1+WeekendSkewRatio) {
		r.Flags = append(r.Flags, Flag{
			Code:    FlagWeekendSkew,
			Message: fmt.Sprintf("weekend average %.0f kcal is %.0f%% above weekdays", r.WeekendAvgCal, (r.WeekendAvgCal/r.WeekdayAvgCal-1)*100),
		})
	}
	return r, nil
}

// WeeklyAverage is the mean of the daily sums over every day in days,
// including days with nothing logged.
func WeeklyAverage(days []DayTotals) nutrition.Nutrients {
	if len(days) == 0 {
		return nutrition.Nutrients{}
	}
	var sum nutrition.Nutrients
	for _, d := range days {
		sum = sum.Add(d.Totals)
	}
	return sum.Scale(1 / float64(len(days)))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func (r PatternReport) Digest() map[string]any {
	perDay := make([]map[string]any, 0, len(r.Days))
	for _, d := range r.Days {
		perDay = append(perDay, map[string]any{"date": d.Date, "weekday": d.Weekday, "entries": d.Entries, "calories": d.Totals.Calories})
	}
	codes := make([]string, 0, len(r.Flags))
	for _, f := range r.Flags {
		codes = append(codes, f.Code)
	}
	return map[string]any{
		"report":               "patterns",
		"days":                 perDay,
		"logged_days":          r.LoggedDays,
		"average":              r.Average.Map(),
		"calorie_range":        r.CalorieRange,
		"weekday_avg_calories": r.WeekdayAvgCal,
		"weekend_avg_calories": r.WeekendAvgCal,
		"flags":                codes,
	}
}
