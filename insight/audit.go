package insight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nutriagent/analytics"
	"nutriagent/nutrition"
	"nutriagent/storage"
)

// Entry categories assigned by the audit.
const (
	CategoryMeal         = "meal"
	CategorySnack        = "snack"
	CategoryDrink        = "drink"
	CategoryUnclassified = "unclassified"
)

// Undercount flag codes.
const (
	FlagRestaurantItems = "restaurant_items"
	FlagNoDrinks        = "no_drinks_logged"
	FlagNoSnacks        = "no_snacks_logged"
)

type AuditEntry struct {
	Name     string  `json:"name"`
	MealType string  `json:"meal_type,omitempty"`
	Category string  `json:"category"`
	Calories float64 `json:"calories"`
}

type AuditReport struct {
	Date     string              `json:"date"`
	Entries  []AuditEntry        `json:"entries"`
	Counts   map[string]int      `json:"counts"`
	Totals   nutrition.Nutrients `json:"totals"`
	Flags    []Flag              `json:"flags"`
	Timezone string              `json:"timezone"`
}

// Categorize assigns a row to meal, snack, drink or unclassified. An explicit
// meal type wins over keywords.
func Categorize(l storage.FoodLog) string {
	switch strings.ToLower(l.MealType) {
	case storage.MealBreakfast, storage.MealLunch, storage.MealDinner:
		return CategoryMeal
	case storage.MealSnack:
		return CategorySnack
	case storage.MealDrink:
		return CategoryDrink
	}
	switch {
	case containsAny(l.Name, drinkKeywords):
		return CategoryDrink
	case containsAny(l.Name, snackKeywords):
		return CategorySnack
	}
	return CategoryUnclassified
}

// Audit categorizes today's rows and flags likely undercounting. Each flag is
// also sent to the analytics sink.
func (a *Aggregator) Audit(ctx context.Context, userID string) (AuditReport, error) {
	logs, from, loc, err := a.window(ctx, userID, 1)
	if err != nil {
		return AuditReport{}, err
	}

	r := AuditReport{
		Date:     from.Format(time.DateOnly),
		Entries:  make([]AuditEntry, 0, len(logs)),
		Timezone: loc.String(),
		Counts: map[string]int{
			CategoryMeal: 0, CategorySnack: 0, CategoryDrink: 0, CategoryUnclassified: 0,
		},
		Flags: []Flag{},
	}
	var restaurant []string
	for _, l := range logs {
		cat := Categorize(l)
		r.Counts[cat]++
		r.Totals = r.Totals.Add(l.Nutrients)
		r.Entries = append(r.Entries, AuditEntry{Name: l.Name, MealType: l.MealType, Category: cat, Calories: l.Calories})
		if containsAny(l.Name, restaurantKeywords) {
			restaurant = append(restaurant, l.Name)
		}
	}

	if len(restaurant) > 0 {
		r.Flags = append(r.Flags, Flag{
			Code:    FlagRestaurantItems,
			Message: fmt.Sprintf("%d restaurant item(s) logged; restaurant portions are often larger than estimated", len(restaurant)),
		})
	}
	if r.Counts[CategoryDrink] == 0 && r.Totals.Calories >= NontrivialCalories {
		r.Flags = append(r.Flags, Flag{
			Code:    FlagNoDrinks,
			Message: fmt.Sprintf("no drinks logged despite %.0f kcal of food", r.Totals.Calories),
		})
	}
	if r.Counts[CategorySnack] == 0 && r.Counts[CategoryMeal] >= MultipleMeals {
		r.Flags = append(r.Flags, Flag{
			Code:    FlagNoSnacks,
			Message: fmt.Sprintf("no snacks logged across %d meals", r.Counts[CategoryMeal]),
		})
	}

	for _, f := range r.Flags {
		analytics.Emit(ctx, a.cfg.Sink, analytics.Observation{
			Kind:    analytics.KindUndercount,
			UserID:  userID,
			Subject: f.Code,
			Details: map[string]string{"date": r.Date, "calories": fmt.Sprintf("%.0f", r.Totals.Calories)},
		})
	}
	return r, nil
}

// Digest is the numbers-only view of the report.
func (r AuditReport) Digest() map[string]any {
	codes := make([]string, 0, len(r.Flags))
	for _, f := range r.Flags {
		codes = append(codes, f.Code)
	}
	return map[string]any{
		"report":   "audit",
		"date":     r.Date,
		"counts":   r.Counts,
		"totals":   r.Totals.Map(),
		"flags":    codes,
		"entries":  len(r.Entries),
		"timezone": r.Timezone,
	}
}
