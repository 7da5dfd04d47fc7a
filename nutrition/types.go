// Package nutrition resolves free-text food descriptions into quantified
// nutrition facts and scales them to the portion the user actually ate.
//
// Resolution walks four tiers in order (product cache, external lookup,
// static fallback table, generative estimate). Each tier tags its result with
// a Confidence and accumulates human-readable error sources instead of
// failing the batch.
package nutrition

import (
	"math"
)

const instrumentationName = "nutriagent/nutrition"

// Confidence is a coarse trust label on a resolved fact.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

func (c Confidence) Valid() bool { return c.rank() > 0 }

// AtMost caps c at limit. It never raises confidence.
func (c Confidence) AtMost(limit Confidence) Confidence {
	if c.rank() > limit.rank() {
		return limit
	}
	return c
}

// Tier names the resolution stage that produced a FoodItem.
type Tier string

const (
	TierCache    Tier = "cache"
	TierExternal Tier = "external"
	TierFallback Tier = "fallback"
	TierEstimate Tier = "estimate"
)

// Nutrients holds per-serving nutrient values. Optional fields are nil when
// the source did not report them.
type Nutrients struct {
	Calories      float64  `json:"calories" yaml:"calories"`
	ProteinG      float64  `json:"protein_g" yaml:"protein_g"`
	CarbsG        float64  `json:"carbs_g" yaml:"carbs_g"`
	FatTotalG     float64  `json:"fat_total_g" yaml:"fat_total_g"`
	FiberG        *float64 `json:"fiber_g,omitempty" yaml:"fiber_g,omitempty"`
	SugarG        *float64 `json:"sugar_g,omitempty" yaml:"sugar_g,omitempty"`
	SodiumMg      *float64 `json:"sodium_mg,omitempty" yaml:"sodium_mg,omitempty"`
	SaturatedFatG *float64 `json:"saturated_fat_g,omitempty" yaml:"saturated_fat_g,omitempty"`
	CholesterolMg *float64 `json:"cholesterol_mg,omitempty" yaml:"cholesterol_mg,omitempty"`
	PotassiumMg   *float64 `json:"potassium_mg,omitempty" yaml:"potassium_mg,omitempty"`
}

// Field names as they appear on the wire and in goals.
const (
	FieldCalories      = "calories"
	FieldProteinG      = "protein_g"
	FieldCarbsG        = "carbs_g"
	FieldFatTotalG     = "fat_total_g"
	FieldFiberG        = "fiber_g"
	FieldSugarG        = "sugar_g"
	FieldSodiumMg      = "sodium_mg"
	FieldSaturatedFatG = "saturated_fat_g"
	FieldCholesterolMg = "cholesterol_mg"
	FieldPotassiumMg   = "potassium_mg"
)

// FieldNames lists every nutrient field in display order.
var FieldNames = []string{
	FieldCalories, FieldProteinG, FieldCarbsG, FieldFatTotalG,
	FieldFiberG, FieldSugarG, FieldSodiumMg, FieldSaturatedFatG,
	FieldCholesterolMg, FieldPotassiumMg,
}

func (n Nutrients) optional() map[string]*float64 {
	return map[string]*float64{
		FieldFiberG:        n.FiberG,
		FieldSugarG:        n.SugarG,
		FieldSodiumMg:      n.SodiumMg,
		FieldSaturatedFatG: n.SaturatedFatG,
		FieldCholesterolMg: n.CholesterolMg,
		FieldPotassiumMg:   n.PotassiumMg,
	}
}

// Map returns every present field keyed by its wire name.
func (n Nutrients) Map() map[string]float64 {
	m := map[string]float64{
		FieldCalories:  n.Calories,
		FieldProteinG:  n.ProteinG,
		FieldCarbsG:    n.CarbsG,
		FieldFatTotalG: n.FatTotalG,
	}
	for k, v := range n.optional() {
		if v != nil {
			m[k] = *v
		}
	}
	return m
}

// Get returns the named field and whether it is present.
func (n Nutrients) Get(field string) (float64, bool) {
	v, ok := n.Map()[field]
	return v, ok
}

// Scale returns a copy with every numeric field multiplied by m.
func (n Nutrients) Scale(m float64) Nutrients {
	mul := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p * m
		return &v
	}
	return Nutrients{
		Calories:      n.Calories * m,
		ProteinG:      n.ProteinG * m,
		CarbsG:        n.CarbsG * m,
		FatTotalG:     n.FatTotalG * m,
		FiberG:        mul(n.FiberG),
		SugarG:        mul(n.SugarG),
		SodiumMg:      mul(n.SodiumMg),
		SaturatedFatG: mul(n.SaturatedFatG),
		CholesterolMg: mul(n.CholesterolMg),
		PotassiumMg:   mul(n.PotassiumMg),
	}
}

// Add returns the field-wise sum. Optional fields are present in the result if
// present in either operand.
func (n Nutrients) Add(o Nutrients) Nutrients {
	add := func(a, b *float64) *float64 {
		if a == nil && b == nil {
			return nil
		}
		var v float64
		if a != nil {
			v += *a
		}
		if b != nil {
			v += *b
		}
		return &v
	}
	return Nutrients{
		Calories:      n.Calories + o.Calories,
		ProteinG:      n.ProteinG + o.ProteinG,
		CarbsG:        n.CarbsG + o.CarbsG,
		FatTotalG:     n.FatTotalG + o.FatTotalG,
		FiberG:        add(n.FiberG, o.FiberG),
		SugarG:        add(n.SugarG, o.SugarG),
		SodiumMg:      add(n.SodiumMg, o.SodiumMg),
		SaturatedFatG: add(n.SaturatedFatG, o.SaturatedFatG),
		CholesterolMg: add(n.CholesterolMg, o.CholesterolMg),
		PotassiumMg:   add(n.PotassiumMg, o.PotassiumMg),
	}
}

// HasMacros reports whether any energy-bearing macronutrient is positive.
func (n Nutrients) HasMacros() bool {
	return n.ProteinG > 0 || n.CarbsG > 0 || n.FatTotalG > 0
}

// MacroCalories is the Atwater estimate 4p + 4c + 9f.
func (n Nutrients) MacroCalories() float64 {
	return 4*n.ProteinG + 4*n.CarbsG + 9*n.FatTotalG
}

func (n Nutrients) finiteNonNegative() bool {
	for _, v := range n.Map() {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return true
}

// FoodItem is a resolved, portion-scaled nutrition fact. Treat it as
// immutable once returned by the Resolver.
type FoodItem struct {
	Name string `json:"name"`
	Nutrients
	ServingSize       string                `json:"serving_size"`
	Confidence        Confidence            `json:"confidence"`
	ConfidenceDetails map[string]Confidence `json:"confidence_details"`
	ErrorSources      []string              `json:"error_sources"`

	Source     Tier    `json:"source"`
	Portion    string  `json:"portion,omitempty"`
	Multiplier float64 `json:"multiplier"`
}

// Product is a per-serving nutrition record as stored in the product cache or
// returned by an external lookup.
type Product struct {
	Name        string `json:"name"`
	ServingSize string `json:"serving_size"`
	Nutrients
	Source string `json:"source,omitempty"`
}

func uniformDetails(n Nutrients, c Confidence) map[string]Confidence {
	d := make(map[string]Confidence)
	for k := range n.Map() {
		d[k] = c
	}
	return d
}
