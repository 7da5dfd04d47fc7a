package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"nutriagent/nutrition"
	"nutriagent/storage"
)

type RecipeFind struct{ recipes storage.RecipeSource }

func NewRecipeFind(recipes storage.RecipeSource) *RecipeFind { return &RecipeFind{recipes: recipes} }

func (t *RecipeFind) Name() string  { return "recipe_find" }
func (t *RecipeFind) Title() string { return "Find Recipes" }
func (t *RecipeFind) Description() string {
	return "Searches the recipe catalog by keywords in the name or ingredients, optionally filtered by meal types."
}

func (t *RecipeFind) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"query":      stringSchema(),
		"meal_types": arrayOf(stringSchema()),
	})
}

func (t *RecipeFind) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"recipes": {
			Type: "array",
			Items: objectSchema(map[string]*jsonschema.Schema{
				"id":         stringSchema(),
				"name":       stringSchema(),
				"meal_types": arrayOf(stringSchema()),
				"servings":   {Type: "integer"},
			}),
		},
	}, "recipes")
}

type recipeSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MealTypes []string `json:"meal_types,omitempty"`
	Servings  int      `json:"servings"`
}

func (t *RecipeFind) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		Query     string   `json:"query"`
		MealTypes []string `json:"meal_types"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	recipes, err := storage.LoadRecipes(ctx, t.recipes)
	if err != nil {
		return nil, err
	}

	want := map[string]bool{}
	for _, m := range in.MealTypes {
		if m != "" {
			want[strings.ToLower(m)] = true
		}
	}

	out := make([]recipeSummary, 0)
	for _, r := range recipes {
		if !r.Matches(in.Query) {
			continue
		}
		if len(want) > 0 && !anyMealType(r.MealTypes, want) {
			continue
		}
		out = append(out, recipeSummary{ID: r.ID, Name: r.Name, MealTypes: r.MealTypes, Servings: r.Servings})
	}
	return toMap(struct {
		Recipes []recipeSummary `json:"recipes"`
	}{out})
}

func anyMealType(have []string, want map[string]bool) bool {
	for _, m := range have {
		if want[strings.ToLower(m)] {
			return true
		}
	}
	return false
}

// recipeNutrition is a recipe with its ingredients resolved.
type recipeNutrition struct {
	Recipe      storage.Recipe        `json:"recipe"`
	PerServing  nutrition.Nutrients   `json:"per_serving"`
	Confidence  nutrition.Confidence  `json:"confidence"`
	Ingredients []*nutrition.FoodItem `json:"ingredients"`
	Unresolved  []string              `json:"unresolved"`
}

func findRecipe(ctx context.Context, src storage.RecipeSource, id string) (storage.Recipe, error) {
	recipes, err := storage.LoadRecipes(ctx, src)
	if err != nil {
		return storage.Recipe{}, err
	}
	for _, r := range recipes {
		if r.ID == id {
			return r, nil
		}
	}
	for _, r := range recipes {
		if strings.EqualFold(r.Name, id) {
			return r, nil
		}
	}
	return storage.Recipe{}, fmt.Errorf("%w: no recipe with id %q", ErrInvalidInput, id)
}

// resolveRecipe resolves every ingredient at its recipe quantity and divides
// the total by the recipe's servings.
func resolveRecipe(ctx context.Context, r *nutrition.Resolver, rec storage.Recipe) recipeNutrition {
	names := make([]string, len(rec.Ingredients))
	portions := make([]string, len(rec.Ingredients))
	for i, ing := range rec.Ingredients {
		names[i] = ing.Name
		portions[i] = ing.Portion()
	}
	items := r.Resolve(ctx, names, portions)

	out := recipeNutrition{
		Recipe:      rec,
		Confidence:  nutrition.ConfidenceHigh,
		Ingredients: []*nutrition.FoodItem{},
		Unresolved:  []string{},
	}
	var total nutrition.Nutrients
	for i, it := range items {
		if it == nil {
			out.Unresolved = append(out.Unresolved, names[i])
			continue
		}
		total = total.Add(it.Nutrients)
		out.Confidence = out.Confidence.AtMost(it.Confidence)
		out.Ingredients = append(out.Ingredients, it)
	}
	if len(out.Ingredients) == 0 {
		out.Confidence = nutrition.ConfidenceLow
	}
	servings := float64(rec.Servings)
	if servings <= 0 {
		servings = 1
	}
	out.PerServing = total.Scale(1 / servings)
	return out
}

type RecipeDetail struct {
	recipes  storage.RecipeSource
	resolver *nutrition.Resolver
}

func NewRecipeDetail(recipes storage.RecipeSource, r *nutrition.Resolver) *RecipeDetail {
	return &RecipeDetail{recipes: recipes, resolver: r}
}

func (t *RecipeDetail) Name() string  { return "recipe_detail" }
func (t *RecipeDetail) Title() string { return "Recipe Detail" }
func (t *RecipeDetail) Description() string {
	return "Gets a recipe with per-serving nutrition resolved from its ingredients, plus the total for the requested servings (default 1)."
}

func (t *RecipeDetail) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"recipe_id": stringSchema(),
		"servings":  numberSchema(),
	}, "recipe_id")
}

func (t *RecipeDetail) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"recipe":      openObject(),
		"per_serving": openObject(),
		"servings":    numberSchema(),
		"total":       openObject(),
		"confidence":  stringSchema(),
		"ingredients": arrayOf(openObject()),
		"unresolved":  arrayOf(stringSchema()),
	}, "recipe", "per_serving", "total")
}

func (t *RecipeDetail) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		RecipeID string  `json:"recipe_id"`
		Servings float64 `json:"servings"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Servings <= 0 {
		in.Servings = 1
	}
	rec, err := findRecipe(ctx, t.recipes, in.RecipeID)
	if err != nil {
		return nil, err
	}
	rn := resolveRecipe(ctx, t.resolver, rec)
	return toMap(struct {
		recipeNutrition
		Servings float64             `json:"servings"`
		Total    nutrition.Nutrients `json:"total"`
	}{rn, in.Servings, rn.PerServing.Scale(in.Servings)})
}
