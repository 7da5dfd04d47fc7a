package nutrition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"nutriagent/analytics"
	"nutriagent/llm"
)

// ProductCache is the persistent product/nutrition cache keyed by normalized
// name. Writes are last-write-wins.
type ProductCache interface {
	GetProduct(ctx context.Context, normalizedName string) (Product, bool, error)
	PutProduct(ctx context.Context, normalizedName string, p Product) error
}

// FailedLookupStore counts unresolvable names. RecordFailedLookup returns the
// attempt count for name including this one.
type FailedLookupStore interface {
	RecordFailedLookup(ctx context.Context, normalizedName, portion string) (int, error)
}

const (
	defaultConcurrency   = 4
	defaultLookupTimeout = 8 * time.Second
)

// ResolverConfig wires the resolution tiers. Every collaborator except Scaler
// is optional; a missing one makes its tier inapplicable.
type ResolverConfig struct {
	Cache         ProductCache
	Lookup        Lookup
	Fallback      *FallbackTable
	Estimator     llm.Completer
	Scaler        *Scaler
	FailedLookups FailedLookupStore
	Sink          analytics.Sink
	Concurrency   int
	LookupTimeout time.Duration
}

// Resolver turns food names into portion-scaled FoodItems.
type Resolver struct {
	cfg ResolverConfig

	tierHits    metric.Int64Counter
	failures    metric.Int64Counter
	corrections metric.Int64Counter
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Scaler == nil {
		cfg.Scaler = NewScaler(nil, nil)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}

	meter := otel.Meter(instrumentationName)
	tierHits, _ := meter.Int64Counter("resolution_tier_hits_total",
		metric.WithDescription("Resolved items by the tier that produced them"))
	failures, _ := meter.Int64Counter("resolution_failures_total",
		metric.WithDescription("Items no tier could resolve"))
	corrections, _ := meter.Int64Counter("calorie_corrections_total",
		metric.WithDescription("Items whose calories were recomputed from macronutrients"))

	return &Resolver{cfg: cfg, tierHits: tierHits, failures: failures, corrections: corrections}
}

// Resolve resolves every item independently. portions[i] applies to items[i];
// a missing portion means one serving. The result has the same length and
// order as items, with nil where every tier failed.
func (r *Resolver) Resolve(ctx context.Context, items []string, portions []string) []*FoodItem {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "Resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	out := make([]*FoodItem, len(items))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, name := range items {
		portion := ""
		if i < len(portions) {
			portion = portions[i]
		}
		g.Go(func() error {
			out[i] = r.resolveOne(ctx, name, portion)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// ResolveOne is Resolve for a single item.
func (r *Resolver) ResolveOne(ctx context.Context, name, portion string) *FoodItem {
	return r.Resolve(ctx, []string{name}, []string{portion})[0]
}

type candidate struct {
	tier       Tier
	nutrients  Nutrients
	serving    string
	confidence Confidence
	details    map[string]Confidence
	errSources []string
}

func (r *Resolver) resolveOne(ctx context.Context, name, portion string) *FoodItem {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "Resolver.resolveOne")
	defer span.End()

	norm := NormalizeName(name)
	if norm == "" {
		slog.Warn("RESOLVER: empty food name", "raw", name)
		return nil
	}
	span.SetAttributes(attribute.String("food", norm))

	tiers := []struct {
		tier Tier
		run  func(context.Context, string, string) (candidate, error)
	}{
		{TierCache, r.fromCache},
		{TierExternal, r.fromLookup},
		{TierFallback, r.fromFallback},
		{TierEstimate, r.fromEstimate},
	}

	for _, t := range tiers {
		c, err := t.run(ctx, name, norm)
		if err != nil {
			if !errors.Is(err, errTierSkipped) {
				slog.Info("RESOLVER: tier failed", "tier", t.tier, "food", norm, "error", err)
			}
			continue
		}
		if !r.valid(c, norm) {
			slog.Warn("RESOLVER: rejected zero-calorie result", "tier", t.tier, "food", norm)
			continue
		}
		span.SetAttributes(attribute.String("tier", string(t.tier)))
		r.tierHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(t.tier))))
		return r.finalize(ctx, name, norm, portion, c)
	}

	r.failures.Add(ctx, 1)
	r.recordFailure(ctx, norm, portion)
	return nil
}

var errTierSkipped = errors.New("tier not configured")

// valid is the zero-calorie guard. An estimate with macros but no calories is
// kept so the macro correction can repair it.
func (r *Resolver) valid(c candidate, norm string) bool {
	if !c.nutrients.finiteNonNegative() {
		return false
	}
	if c.nutrients.Calories > 0 || IsZeroCalorie(norm) {
		return true
	}
	return c.tier == TierEstimate && c.nutrients.HasMacros()
}

func (r *Resolver) fromCache(ctx context.Context, _ string, norm string) (candidate, error) {
	if r.cfg.Cache == nil {
		return candidate{}, errTierSkipped
	}
	keys := []string{norm}
	if s := StripModifiers(norm); s != norm {
		keys = append(keys, s)
	}
	for _, k := range keys {
		p, ok, err := r.cfg.Cache.GetProduct(ctx, k)
		if err != nil {
			return candidate{}, fmt.Errorf("product cache: %w", err)
		}
		if ok {
			return productCandidate(TierCache, p), nil
		}
	}
	return candidate{}, ErrNotFound
}

func (r *Resolver) fromLookup(ctx context.Context, name, norm string) (candidate, error) {
	if r.cfg.Lookup == nil {
		return candidate{}, errTierSkipped
	}
	lctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()

	p, err := r.cfg.Lookup.Lookup(lctx, name)
	if err != nil {
		return candidate{}, err
	}
	c := productCandidate(TierExternal, p)
	if r.cfg.Cache != nil && r.valid(c, norm) {
		if err := r.cfg.Cache.PutProduct(ctx, norm, p); err != nil {
			slog.Warn("RESOLVER: failed to cache product", "food", norm, "error", err)
		}
	}
	return c, nil
}

func (r *Resolver) fromFallback(_ context.Context, name, _ string) (candidate, error) {
	if r.cfg.Fallback == nil {
		return candidate{}, errTierSkipped
	}
	e, reason, ok := r.cfg.Fallback.Match(name)
	if !ok {
		return candidate{}, ErrNotFound
	}
	return candidate{
		tier:       TierFallback,
		nutrients:  e.Nutrients,
		serving:    e.ServingSize,
		confidence: ConfidenceMedium,
		details:    uniformDetails(e.Nutrients, ConfidenceMedium),
		errSources: []string{reason},
	}, nil
}

func productCandidate(tier Tier, p Product) candidate {
	return candidate{
		tier:       tier,
		nutrients:  p.Nutrients,
		serving:    p.ServingSize,
		confidence: ConfidenceHigh,
		details:    uniformDetails(p.Nutrients, ConfidenceHigh),
	}
}

func (r *Resolver) finalize(ctx context.Context, name, norm, portion string, c candidate) *FoodItem {
	scale := r.cfg.Scaler.Scale(ctx, portion, c.serving, norm)

	item := &FoodItem{
		Name:              strings.TrimSpace(name),
		Nutrients:         c.nutrients.Scale(scale.Multiplier),
		ServingSize:       c.serving,
		Confidence:        c.confidence,
		ConfidenceDetails: c.details,
		ErrorSources:      append([]string{}, c.errSources...),
		Source:            c.tier,
		Portion:           portion,
		Multiplier:        scale.Multiplier,
	}
	if item.ConfidenceDetails == nil {
		item.ConfidenceDetails = uniformDetails(item.Nutrients, item.Confidence)
	}
	if scale.Note != "" {
		item.ErrorSources = append(item.ErrorSources, scale.Note)
	}

	if item.Calories <= 0 && item.HasMacros() {
		item.Calories = item.MacroCalories()
		item.Confidence = item.Confidence.AtMost(ConfidenceMedium)
		cal := item.ConfidenceDetails[FieldCalories]
		if !cal.Valid() {
			cal = item.Confidence
		}
		item.ConfidenceDetails[FieldCalories] = cal.AtMost(ConfidenceMedium)
		item.ErrorSources = append(item.ErrorSources, "calories missing; recomputed from macronutrients (4p+4c+9f)")
		r.corrections.Add(ctx, 1)
	}
	return item
}

func (r *Resolver) recordFailure(ctx context.Context, norm, portion string) {
	attempt := 1
	if r.cfg.FailedLookups != nil {
		n, err := r.cfg.FailedLookups.RecordFailedLookup(ctx, norm, portion)
		if err != nil {
			slog.Warn("RESOLVER: failed to record failed lookup", "food", norm, "error", err)
		} else {
			attempt = n
		}
	}
	slog.Warn("RESOLVER: all tiers failed", "food", norm, "portion", portion, "attempt", attempt)
	analytics.Emit(ctx, r.cfg.Sink, analytics.Observation{
		Kind:    analytics.KindFailedLookup,
		Subject: norm,
		Portion: portion,
		Attempt: attempt,
	})
}

const estimateSystemPrompt = `You are a nutrition estimator. Estimate the nutrition facts for ONE standard serving of the named food.
Report calories, protein_g, carbs_g, fat_total_g and any of fiber_g, sugar_g, sodium_mg, saturated_fat_g, cholesterol_mg, potassium_mg you can estimate.
serving_size must be a quantity with a unit, for example "1 cup (240g)" or "100g".
confidence is "low", "medium" or "high". confidence_details maps each reported field to its own confidence.
error_sources lists assumptions you made. Never return zero calories for a food that contains energy.`

// EstimateSchema is the JSON contract for a generative nutrition estimate.
func EstimateSchema() *jsonschema.Schema {
	zero := 0.0
	numField := &jsonschema.Schema{Type: "number", Minimum: &zero}
	conf := &jsonschema.Schema{Type: "string", Enum: []any{"low", "medium", "high"}}
	props := map[string]*jsonschema.Schema{
		"name":               {Type: "string"},
		"serving_size":       {Type: "string"},
		"confidence":         conf,
		"confidence_details": {Type: "object", AdditionalProperties: conf},
		"error_sources":      {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
	}
	for _, f := range FieldNames {
		props[f] = numField
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   []string{"name", "serving_size", "protein_g", "carbs_g", "fat_total_g", "confidence"},
	}
}

type estimateRecord struct {
	Name        string   `json:"name"`
	ServingSize string   `json:"serving_size"`
	ProteinG    *float64 `json:"protein_g"`
	CarbsG      *float64 `json:"carbs_g"`
	FatTotalG   *float64 `json:"fat_total_g"`
	Nutrients
	Confidence        string            `json:"confidence"`
	ConfidenceDetails map[string]string `json:"confidence_details"`
	ErrorSources      []string          `json:"error_sources"`
}

func (r *Resolver) fromEstimate(ctx context.Context, name, _ string) (candidate, error) {
	if r.cfg.Estimator == nil {
		return candidate{}, errTierSkipped
	}
	req := llm.UserPrompt(estimateSystemPrompt, "Food: "+name)
	req.Schema = EstimateSchema()
	req.MaxTokens = 512

	out, err := r.cfg.Estimator.Complete(ctx, req)
	if err != nil {
		return candidate{}, fmt.Errorf("estimate: %w", err)
	}
	return parseEstimate(out)
}

// parseEstimate validates a generative estimate against the FoodItem contract.
func parseEstimate(text string) (candidate, error) {
	var rec estimateRecord
	if err := llm.DecodeJSON(text, &rec); err != nil {
		return candidate{}, err
	}
	if rec.ProteinG == nil || rec.CarbsG == nil || rec.FatTotalG == nil {
		return candidate{}, errors.New("estimate missing macronutrients")
	}
	conf := Confidence(strings.ToLower(strings.TrimSpace(rec.Confidence)))
	if !conf.Valid() {
		return candidate{}, fmt.Errorf("estimate has invalid confidence %q", rec.Confidence)
	}

	n := rec.Nutrients
	n.ProteinG, n.CarbsG, n.FatTotalG = *rec.ProteinG, *rec.CarbsG, *rec.FatTotalG

	details := make(map[string]Confidence)
	for k := range n.Map() {
		d := Confidence(strings.ToLower(rec.ConfidenceDetails[k]))
		if !d.Valid() {
			d = conf
		}
		details[k] = d
	}

	sources := append([]string{"nutrition estimated by generative model"}, rec.ErrorSources...)
	serving := strings.TrimSpace(rec.ServingSize)
	if serving == "" {
		serving = "1 serving"
	}
	return candidate{
		tier:       TierEstimate,
		nutrients:  n,
		serving:    serving,
		confidence: conf,
		details:    details,
		errSources: sources,
	}, nil
}
