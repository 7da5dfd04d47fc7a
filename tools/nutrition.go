package tools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"nutriagent/nutrition"
)

// foodRequest is one food and the portion the user ate.
type foodRequest struct {
	Name    string `json:"name"`
	Portion string `json:"portion,omitempty"`
}

func foodRequestSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"name":    {Type: "string", Description: "Food as the user described it."},
		"portion": {Type: "string", Description: `Portion as stated, e.g. "1 cup", "150g", "a handful". Empty means one serving.`},
	}, "name")
}

// resolveRequests resolves every named request. Unnamed requests are dropped.
// The returned slices align: items[i] is nil when requests[i] failed.
func resolveRequests(ctx context.Context, r *nutrition.Resolver, reqs []foodRequest) ([]foodRequest, []*nutrition.FoodItem) {
	kept := make([]foodRequest, 0, len(reqs))
	names := make([]string, 0, len(reqs))
	portions := make([]string, 0, len(reqs))
	for _, f := range reqs {
		if strings.TrimSpace(f.Name) == "" {
			continue
		}
		kept = append(kept, f)
		names = append(names, f.Name)
		portions = append(portions, f.Portion)
	}
	return kept, r.Resolve(ctx, names, portions)
}

type NutritionResolve struct{ resolver *nutrition.Resolver }

func NewNutritionResolve(r *nutrition.Resolver) *NutritionResolve {
	return &NutritionResolve{resolver: r}
}

func (t *NutritionResolve) Name() string  { return "nutrition_resolve" }
func (t *NutritionResolve) Title() string { return "Resolve Nutrition" }
func (t *NutritionResolve) Description() string {
	return "Resolves foods to nutrition facts scaled to the stated portions, with confidence and the reasons confidence was reduced. Read-only; use food_log_propose to log."
}

func (t *NutritionResolve) InputSchema() *jsonschema.Schema {
	one := 1
	return objectSchema(map[string]*jsonschema.Schema{
		"items": {Type: "array", Items: foodRequestSchema(), MinItems: &one},
	}, "items")
}

func (t *NutritionResolve) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"items":      arrayOf(openObject()),
		"unresolved": arrayOf(stringSchema()),
	}, "items", "unresolved")
}

func (t *NutritionResolve) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		Items []foodRequest `json:"items"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	reqs, items := resolveRequests(ctx, t.resolver, in.Items)
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: items must name at least one food", ErrInvalidInput)
	}

	resolved := make([]*nutrition.FoodItem, 0, len(items))
	unresolved := []string{}
	for i, it := range items {
		if it == nil {
			unresolved = append(unresolved, reqs[i].Name)
			continue
		}
		resolved = append(resolved, it)
	}
	return toMap(struct {
		Items      []*nutrition.FoodItem `json:"items"`
		Unresolved []string              `json:"unresolved"`
	}{resolved, unresolved})
}

// Verdicts of nutrition_validate.
const (
	VerdictPlausible   = "plausible"
	VerdictImplausible = "implausible"
	VerdictUnknown     = "unknown"

	plausibleDeviationPct = 25.0
)

type NutritionValidate struct{ resolver *nutrition.Resolver }

func NewNutritionValidate(r *nutrition.Resolver) *NutritionValidate {
	return &NutritionValidate{resolver: r}
}

func (t *NutritionValidate) Name() string  { return "nutrition_validate" }
func (t *NutritionValidate) Title() string { return "Validate Nutrition Guess" }
func (t *NutritionValidate) Description() string {
	return fmt.Sprintf("Checks a guessed nutrient value for a food and portion against the resolved value. A guess within %.0f%% is plausible.", plausibleDeviationPct)
}

func (t *NutritionValidate) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"name":    stringSchema(),
		"portion": stringSchema(),
		"field":   {Type: "string", Enum: nutrientEnum(), Description: "Nutrient to check; defaults to calories."},
		"guess":   numberSchema(),
	}, "name", "guess")
}

func (t *NutritionValidate) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"verdict":       {Type: "string", Enum: []any{VerdictPlausible, VerdictImplausible, VerdictUnknown}},
		"field":         stringSchema(),
		"guess":         numberSchema(),
		"resolved":      numberSchema(),
		"deviation_pct": numberSchema(),
		"item":          openObject(),
	}, "verdict")
}

type validateResult struct {
	Verdict      string              `json:"verdict"`
	Field        string              `json:"field"`
	Guess        float64             `json:"guess"`
	Resolved     *float64            `json:"resolved,omitempty"`
	DeviationPct *float64            `json:"deviation_pct,omitempty"`
	Item         *nutrition.FoodItem `json:"item,omitempty"`
}

func (t *NutritionValidate) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		foodRequest
		Field string  `json:"field"`
		Guess float64 `json:"guess"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.Field == "" {
		in.Field = nutrition.FieldCalories
	}

	res := validateResult{Verdict: VerdictUnknown, Field: in.Field, Guess: in.Guess}
	item := t.resolver.ResolveOne(ctx, in.Name, in.Portion)
	if item == nil {
		return toMap(res)
	}
	res.Item = item
	actual, ok := item.Get(in.Field)
	if !ok {
		return toMap(res)
	}
	res.Resolved = &actual

	switch {
	case actual == 0 && in.Guess == 0:
		zero := 0.0
		res.DeviationPct = &zero
		res.Verdict = VerdictPlausible
	case actual == 0:
		res.Verdict = VerdictImplausible
	default:
		dev := math.Abs(in.Guess-actual) / actual * 100
		res.DeviationPct = &dev
		res.Verdict = VerdictImplausible
		if dev <= plausibleDeviationPct {
			res.Verdict = VerdictPlausible
		}
	}
	return toMap(res)
}

type FoodsCompare struct{ resolver *nutrition.Resolver }

func NewFoodsCompare(r *nutrition.Resolver) *FoodsCompare { return &FoodsCompare{resolver: r} }

func (t *FoodsCompare) Name() string  { return "foods_compare" }
func (t *FoodsCompare) Title() string { return "Compare Foods" }
func (t *FoodsCompare) Description() string {
	return "Resolves 2 to 5 foods at their portions and ranks them, highest first, for each requested nutrient (default: calories and macros)."
}

func (t *FoodsCompare) InputSchema() *jsonschema.Schema {
	two, five := 2, 5
	return objectSchema(map[string]*jsonschema.Schema{
		"foods":     {Type: "array", Items: foodRequestSchema(), MinItems: &two, MaxItems: &five},
		"nutrients": {Type: "array", Items: &jsonschema.Schema{Type: "string", Enum: nutrientEnum()}},
	}, "foods")
}

func (t *FoodsCompare) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"items":      arrayOf(openObject()),
		"rankings":   openObject(),
		"unresolved": arrayOf(stringSchema()),
	}, "items", "rankings")
}

type rankedValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func (t *FoodsCompare) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		Foods     []foodRequest `json:"foods"`
		Nutrients []string      `json:"nutrients"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if len(in.Foods) < 2 || len(in.Foods) > 5 {
		return nil, fmt.Errorf("%w: foods must list 2 to 5 foods, got %d", ErrInvalidInput, len(in.Foods))
	}
	if len(in.Nutrients) == 0 {
		in.Nutrients = []string{nutrition.FieldCalories, nutrition.FieldProteinG, nutrition.FieldCarbsG, nutrition.FieldFatTotalG}
	}

	reqs, items := resolveRequests(ctx, t.resolver, in.Foods)
	resolved := []*nutrition.FoodItem{}
	unresolved := []string{}
	for i, it := range items {
		if it == nil {
			unresolved = append(unresolved, reqs[i].Name)
			continue
		}
		resolved = append(resolved, it)
	}

	rankings := map[string][]rankedValue{}
	for _, field := range in.Nutrients {
		var ranked []rankedValue
		for _, it := range resolved {
			if v, ok := it.Get(field); ok {
				ranked = append(ranked, rankedValue{Name: it.Name, Value: v})
			}
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Value > ranked[j].Value })
		rankings[field] = ranked
	}

	return toMap(struct {
		Items      []*nutrition.FoodItem    `json:"items"`
		Rankings   map[string][]rankedValue `json:"rankings"`
		Unresolved []string                 `json:"unresolved"`
	}{resolved, rankings, unresolved})
}

func nutrientEnum() []any {
	out := make([]any, 0, len(nutrition.FieldNames))
	for _, f := range nutrition.FieldNames {
		out = append(out, f)
	}
	return out
}
