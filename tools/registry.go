package tools

import (
	"errors"
	"fmt"
	"sort"

	"nutriagent/insight"
	"nutriagent/nutrition"
	"nutriagent/proposal"
	"nutriagent/storage"
)

// Deps are the collaborators the catalog is built from.
type Deps struct {
	Store    storage.Store
	Resolver *nutrition.Resolver
	Recipes  storage.RecipeSource
	Insights *insight.Aggregator
	Narrator *insight.Narrator
	Workflow *proposal.Workflow
}

// Registry maps tool names to implementations
type Registry map[string]Tool

// NewRegistry builds the full catalog.
func NewRegistry(d Deps) (*Registry, error) {
	var missing []error
	if d.Store == nil {
		missing = append(missing, errors.New("store"))
	}
	if d.Resolver == nil {
		missing = append(missing, errors.New("resolver"))
	}
	if d.Insights == nil {
		missing = append(missing, errors.New("insight aggregator"))
	}
	if d.Workflow == nil {
		missing = append(missing, errors.New("proposal workflow"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, fmt.Errorf("tool registry missing dependencies: %w", err)
	}

	all := []Tool{
		NewProfileGet(d.Store),
		NewGoalsGet(d.Store),
		NewDailyTotalsGet(d.Insights),
		NewWeeklySummaryGet(d.Insights),
		NewFoodHistoryGet(d.Store, d.Insights),
		NewNutritionResolve(d.Resolver),
		NewNutritionValidate(d.Resolver),
		NewFoodsCompare(d.Resolver),
		NewInsightReport(d.Insights, d.Narrator),
		NewFoodLogPropose(d.Resolver, d.Workflow),
		NewGoalUpdatePropose(d.Store, d.Workflow),
		NewProposalConfirm(d.Workflow),
		NewProposalDecline(d.Workflow),
	}
	if d.Recipes != nil {
		all = append(all,
			NewRecipeFind(d.Recipes),
			NewRecipeDetail(d.Recipes, d.Resolver),
			NewRecipeLogPropose(d.Recipes, d.Resolver, d.Workflow),
		)
	}

	registry := make(Registry, len(all))
	for _, t := range all {
		registry[t.Name()] = t
	}
	return &registry, nil
}

// GetTools returns all tools in the registry sorted by name
func (r *Registry) GetTools() []Tool {
	tools := make([]Tool, 0, len(*r))
	for _, tool := range *r {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetTool retrieves a tool by name from the registry
func (r Registry) GetTool(name string) (Tool, error) {
	tool, exists := r[name]
	if !exists {
		return nil, fmt.Errorf("tool %q not found in registry", name)
	}
	return tool, nil
}
