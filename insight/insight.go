// Package insight builds read-only reports from raw food log rows: a daily
// audit with undercount heuristics, weekly patterns and goal progress.
//
// Rows are grouped by calendar day in the user's timezone. Nothing is cached
// across calls; every report is recomputed from the store.
package insight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"nutriagent/analytics"
	"nutriagent/nutrition"
	"nutriagent/storage"
)

// Heuristic thresholds.
const (
	NontrivialCalories = 800.0
	MultipleMeals      = 2
	VarianceCalories   = 800.0
	WeekendSkewRatio   = 0.20
	WindowDays         = 7
)

var drinkKeywords = []string{"coffee", "tea", "juice", "soda", "latte", "smoothie", "beer", "wine", "milk", "water", "shake"}

var snackKeywords = []string{"chips", "cookie", "bar", "nuts", "cracker", "popcorn", "candy", "chocolate", "yogurt", "fruit", "apple", "banana"}

// restaurantKeywords mark entries whose portions are usually underestimated.
var restaurantKeywords = []string{
	"mcdonald", "burger king", "chipotle", "starbucks", "subway", "restaurant",
	"takeout", "take-out", "pizza hut", "domino", "kfc", "taco bell",
}

type AggregatorConfig struct {
	Logs     storage.FoodLogStore
	Goals    storage.GoalStore
	Profiles storage.ProfileStore
	Sink     analytics.Sink
	// Location is used when the user's profile has no timezone.
	Location *time.Location
	Now      func() time.Time
}

type Aggregator struct {
	cfg AggregatorConfig
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{cfg: cfg}
}

// DayTotals is the sum of one calendar day's rows.
type DayTotals struct {
	Date    string              `json:"date"`
	Weekday string              `json:"weekday"`
	Entries int                 `json:"entries"`
	Totals  nutrition.Nutrients `json:"totals"`
}

// Location resolves the timezone reports for userID are grouped in.
func (a *Aggregator) Location(ctx context.Context, userID string) *time.Location {
	if a.cfg.Profiles == nil {
		return a.cfg.Location
	}
	p, ok, err := a.cfg.Profiles.Profile(ctx, userID)
	if err != nil || !ok || p.Timezone == "" {
		return a.cfg.Location
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		slog.Warn("INSIGHT: invalid profile timezone", "user", userID, "timezone", p.Timezone, "error", err)
		return a.cfg.Location
	}
	return loc
}

// window returns the rows of the days days ending today, plus the first day.
func (a *Aggregator) window(ctx context.Context, userID string, days int) ([]storage.FoodLog, time.Time, *time.Location, error) {
	loc := a.Location(ctx, userID)
	now := a.cfg.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	from := today.AddDate(0, 0, -(days - 1))
	to := today.AddDate(0, 0, 1)

	logs, err := a.cfg.Logs.FoodLogsBetween(ctx, userID, from, to)
	if err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("load food logs: %w", err)
	}
	return logs, from, loc, nil
}

// DailyTotals sums rows per calendar day for the days days starting at from.
// Days without rows are present with zero totals.
func DailyTotals(logs []storage.FoodLog, from time.Time, days int, loc *time.Location) []DayTotals {
	out := make([]DayTotals, days)
	index := make(map[string]int, days)
	for i := range days {
		d := from.AddDate(0, 0, i)
		key := d.Format(time.DateOnly)
		out[i] = DayTotals{Date: key, Weekday: d.Weekday().String()}
		index[key] = i
	}
	for _, l := range logs {
		i, ok := index[l.LoggedAt.In(loc).Format(time.DateOnly)]
		if !ok {
			continue
		}
		out[i].Entries++
		out[i].Totals = out[i].Totals.Add(l.Nutrients)
	}
	return out
}

// Flag is one heuristic finding.
type Flag struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// containsAny reports whether any keyword occurs in s as a whole word, plural
// endings allowed, so "tea" matches "green teas" but not "steak".
func containsAny(s string, keywords []string) bool {
	s = strings.ToLower(s)
	for _, k := range keywords {
		for off := 0; ; {
			i := strings.Index(s[off:], k)
			if i < 0 {
				break
			}
			i += off
			if !letterBefore(s, i) && wordEndsAt(s, i+len(k)) {
				return true
			}
			off = i + 1
		}
	}
	return false
}

func letterBefore(s string, i int) bool {
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return i > 0 && unicode.IsLetter(r)
}

// wordEndsAt reports whether the word ends at j, or after an "s" or "es" there.
func wordEndsAt(s string, j int) bool {
	rest := s[j:]
	for _, suffix := range []string{"", "s", "es"} {
		if !strings.HasPrefix(rest, suffix) {
			continue
		}
		r, _ := utf8.DecodeRuneInString(rest[len(suffix):])
		if len(rest) == len(suffix) || !unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
