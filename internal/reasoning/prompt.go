package reasoning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/veritas/internal/actions"
	"github.com/jkaninda/veritas/internal/domain"
)

// PredictedValuesEvidence is the evidence id of the prediction's own values.
const PredictedValuesEvidence = "predicted_values"

const systemTemplate = `You explain forecasting and anomaly predictions to operations teams.
State only facts that appear in the prediction or its evidence, and keep numbers exact.
Write short declarative sentences.

If an operational action is clearly warranted, append exactly one fenced json block:
{"actions":[{"type":"<kind>","parameters":{...},"confidence":<0..1>,"reasoning":"<why>"}]}
Omit the block when no action is needed. Allowed kinds:
%s`

// systemPrompt lists the action catalog. The output is stable across calls.
func systemPrompt() string {
	var b strings.Builder
	for _, k := range actions.Kinds() {
		spec, _ := actions.Lookup(string(k))
		fmt.Fprintf(&b, "- %s: %s\n", k, spec.Description)
	}
	return fmt.Sprintf(systemTemplate, b.String())
}

// userPrompt renders a sanitized prediction. Keys are sorted so identical
// predictions always produce identical prompts.
func userPrompt(p domain.Prediction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prediction %s (impact score %.2f)\n", p.PredictionID, p.ImpactScore)
	b.WriteString("Predicted values:\n")
	for _, line := range valueLines(p.PredictedValues) {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(p.Evidence) > 0 {
		b.WriteString("Evidence:\n")
		for _, e := range p.Evidence {
			fmt.Fprintf(&b, "[%s] %s\n", e.ID, e.Text)
		}
	}
	return b.String()
}

func valueLines(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+formatValue(values[k]))
	}
	return lines
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// evidence returns the supplied evidence plus the predicted values, which
// ground claims that restate the prediction itself.
func evidence(p domain.Prediction) []domain.Evidence {
	out := make([]domain.Evidence, 0, len(p.Evidence)+1)
	out = append(out, p.Evidence...)
	if len(p.PredictedValues) > 0 {
		out = append(out, domain.Evidence{
			ID:     PredictedValuesEvidence,
			Source: "prediction",
			Text:   strings.Join(valueLines(p.PredictedValues), ". "),
		})
	}
	return out
}

// templatedText is the deterministic explanation of a low-impact prediction.
func templatedText(p domain.Prediction, threshold float64) string {
	return fmt.Sprintf("Prediction %s has impact score %.2f, below the analysis threshold of %.2f. Predicted values: %s.",
		p.PredictionID, p.ImpactScore, threshold, summary(p))
}

// degradedText is returned when reasoning could not run.
func degradedText(p domain.Prediction) string {
	return fmt.Sprintf("Detailed reasoning is temporarily unavailable for prediction %s (impact score %.2f). Predicted values: %s.",
		p.PredictionID, p.ImpactScore, summary(p))
}

func summary(p domain.Prediction) string {
	lines := valueLines(p.PredictedValues)
	if len(lines) == 0 {
		return "none"
	}
	return strings.Join(lines, "; ")
}
