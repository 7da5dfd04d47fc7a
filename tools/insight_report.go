package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"nutriagent/insight"
)

// Report names accepted by insight_report.
const (
	ReportAudit    = "audit"
	ReportPatterns = "patterns"
	ReportSummary  = "summary"
)

type InsightReport struct {
	insights *insight.Aggregator
	narrator *insight.Narrator
}

func NewInsightReport(insights *insight.Aggregator, narrator *insight.Narrator) *InsightReport {
	return &InsightReport{insights: insights, narrator: narrator}
}

func (t *InsightReport) Name() string  { return "insight_report" }
func (t *InsightReport) Title() string { return "Insight Report" }
func (t *InsightReport) Description() string {
	return "Runs an insight report: audit (today's entries with likely-undercount flags), patterns (last 7 days, variance and weekend skew) or summary (today, 7-day average, goal progress). Set narrate for a short prose explanation."
}

func (t *InsightReport) InputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"report":  {Type: "string", Enum: []any{ReportAudit, ReportPatterns, ReportSummary}},
		"narrate": {Type: "boolean"},
	}, "report")
}

func (t *InsightReport) OutputSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"report":    stringSchema(),
		"data":      openObject(),
		"narrative": stringSchema(),
	}, "report", "data")
}

func (t *InsightReport) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var in struct {
		Report  string `json:"report"`
		Narrate bool   `json:"narrate"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	user := userFromContext(ctx)
	var (
		report insight.Digester
		err    error
	)
	switch in.Report {
	case ReportAudit:
		report, err = t.insights.Audit(ctx, user)
	case ReportPatterns:
		report, err = t.insights.Patterns(ctx, user)
	case ReportSummary:
		report, err = t.insights.Summary(ctx, user)
	default:
		return nil, fmt.Errorf("%w: unknown report %q", ErrInvalidInput, in.Report)
	}
	if err != nil {
		return nil, err
	}

	data, err := toMap(report)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"report": in.Report, "data": data}
	if in.Narrate {
		if prose, ok := t.narrator.Narrate(ctx, report); ok {
			out["narrative"] = prose
		}
	}
	return out, nil
}
