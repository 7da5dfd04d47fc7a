package nutrition

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"nutriagent/llm"
)

// MultiplierCache stores learned portion multipliers keyed by
// (food, user portion, serving size). Entries are advisory.
type MultiplierCache interface {
	GetMultiplier(ctx context.Context, food, portion, serving string) (float64, bool, error)
	PutMultiplier(ctx context.Context, food, portion, serving string, multiplier float64) error
}

// ScaleMethod records which rule produced a multiplier.
type ScaleMethod string

const (
	ScaleNone          ScaleMethod = "none"
	ScaleSameUnit      ScaleMethod = "same_unit"
	ScaleConversion    ScaleMethod = "conversion"
	ScaleParenthetical ScaleMethod = "parenthetical"
	ScaleLearned       ScaleMethod = "learned"
	ScaleEstimated     ScaleMethod = "estimated"
	ScaleDefault       ScaleMethod = "default"
)

type ScaleResult struct {
	Multiplier float64     `json:"multiplier"`
	Method     ScaleMethod `json:"method"`
	// Note is a degradation reason for the caller's error sources. Empty for
	// deterministic methods.
	Note string `json:"note,omitempty"`
}

// Degraded reports whether the multiplier is a guess.
func (r ScaleResult) Degraded() bool {
	return r.Method == ScaleEstimated || r.Method == ScaleDefault
}

// Scaler converts a user portion into a multiplier over a serving size.
type Scaler struct {
	cache MultiplierCache
	llm   llm.Completer
}

// NewScaler builds a Scaler. Both collaborators are optional.
func NewScaler(cache MultiplierCache, completer llm.Completer) *Scaler {
	return &Scaler{cache: cache, llm: completer}
}

var parentheticalRe = regexp.MustCompile(`\(([^)]*)\)`)

// Scale returns the multiplier mapping servingSize onto userPortion. An empty
// portion means one serving. The multiplier is always finite and positive.
func (s *Scaler) Scale(ctx context.Context, userPortion, servingSize, foodName string) ScaleResult {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "Scaler.Scale")
	defer span.End()

	res := s.scale(ctx, userPortion, servingSize, foodName)
	span.SetAttributes(
		attribute.String("method", string(res.Method)),
		attribute.Float64("multiplier", res.Multiplier),
	)
	return res
}

func (s *Scaler) scale(ctx context.Context, userPortion, servingSize, foodName string) ScaleResult {
	portion := strings.TrimSpace(userPortion)
	serving := strings.TrimSpace(servingSize)
	if portion == "" {
		return ScaleResult{Multiplier: 1, Method: ScaleNone}
	}

	base, annotation := splitParenthetical(serving)
	p, pok := ParseQuantity(portion)
	b, bok := ParseQuantity(base)

	if pok && bok {
		// 1. Same unit.
		if unitsMatch(p.Unit, b.Unit) {
			if m, ok := ratio(p.Amount, b.Amount); ok {
				return ScaleResult{Multiplier: m, Method: ScaleSameUnit}
			}
		}
		// 2. Mass/volume conversion.
		if m, ok := convertRatio(p, b); ok {
			return ScaleResult{Multiplier: m, Method: ScaleConversion}
		}
	}

	// 3. Parenthetical annotation on the serving size.
	if pok && annotation != "" {
		if a, ok := ParseQuantity(annotation); ok {
			if m, ok := convertRatio(p, a); ok {
				return ScaleResult{Multiplier: m, Method: ScaleParenthetical}
			}
		}
	}

	food := NormalizeName(foodName)
	key := strings.ToLower(portion)
	skey := strings.ToLower(serving)

	// 4. Learned multiplier.
	if s.cache != nil {
		m, ok, err := s.cache.GetMultiplier(ctx, food, key, skey)
		if err != nil {
			slog.Warn("SCALER: learned multiplier lookup failed", "food", food, "error", err)
		} else if ok && validMultiplier(m) {
			return ScaleResult{Multiplier: m, Method: ScaleLearned}
		}
	}

	// 5. Generative estimate.
	if s.llm != nil {
		if m, ok := s.estimate(ctx, portion, serving, foodName); ok {
			if s.cache != nil {
				if err := s.cache.PutMultiplier(ctx, food, key, skey, m); err != nil {
					slog.Warn("SCALER: failed to persist learned multiplier", "food", food, "error", err)
				}
			}
			return ScaleResult{
				Multiplier: m,
				Method:     ScaleEstimated,
				Note:       fmt.Sprintf("portion %q estimated as %.3g x serving %q", portion, m, serving),
			}
		}
	}

	// 6. Default.
	slog.Info("SCALER: defaulting multiplier to 1", "portion", portion, "serving", serving, "food", food)
	return ScaleResult{
		Multiplier: 1,
		Method:     ScaleDefault,
		Note:       fmt.Sprintf("could not convert portion %q to serving %q; assumed one serving", portion, serving),
	}
}

const scaleSystemPrompt = `You convert food portions. Given a user's portion and a reference serving size, answer with a single number: how many reference servings the user's portion equals. No words, no units.`

var numberRe = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)

func (s *Scaler) estimate(ctx context.Context, portion, serving, foodName string) (float64, bool) {
	prompt := fmt.Sprintf("Food: %s\nUser portion: %s\nReference serving: %s", foodName, portion, serving)
	out, err := s.llm.Complete(ctx, llm.Request{
		System:    scaleSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: 32,
	})
	if err != nil {
		slog.Warn("SCALER: multiplier estimate failed", "portion", portion, "serving", serving, "error", err)
		return 0, false
	}
	return FirstNumber(out)
}

// FirstNumber parses the first numeric token in text and reports whether it
// is a finite positive value.
func FirstNumber(text string) (float64, bool) {
	tok := numberRe.FindString(text)
	if tok == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || !validMultiplier(v) {
		return 0, false
	}
	return v, true
}

func splitParenthetical(serving string) (base, annotation string) {
	m := parentheticalRe.FindStringSubmatchIndex(serving)
	if m == nil {
		return serving, ""
	}
	base = strings.TrimSpace(serving[:m[0]] + serving[m[1]:])
	annotation = strings.TrimSpace(serving[m[2]:m[3]])
	return base, annotation
}

func unitsMatch(a, b string) bool {
	if a == b {
		return true
	}
	ca, cb := canonicalUnit(a), canonicalUnit(b)
	return ca != "" && ca == cb
}

func convertRatio(p, b Quantity) (float64, bool) {
	pv, pf := toBase(p)
	bv, bf := toBase(b)
	if pf == familyNone || pf != bf {
		return 0, false
	}
	return ratio(pv, bv)
}

func ratio(num, den float64) (float64, bool) {
	if den == 0 {
		return 0, false
	}
	m := num / den
	return m, validMultiplier(m)
}

func validMultiplier(m float64) bool {
	return m > 0 && !math.IsNaN(m) && !math.IsInf(m, 0)
}
