// Package sanitize strips secrets and tenant-configured sensitive fields from
// predictions before they are hashed, embedded, cached or sent to a provider.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/jkaninda/veritas/internal/domain"
)

// Redacted replaces a policy-listed field value.
const Redacted = "[REDACTED]"

type rule struct {
	re    *regexp.Regexp
	label string
}

// Sanitizer applies secret patterns to free text and field policies to
// structured values. A nil Sanitizer returns its input unchanged.
type Sanitizer struct {
	rules []rule
}

// New creates a Sanitizer with the built-in secret patterns plus custom
// regular expressions. Invalid custom patterns are skipped.
func New(custom []string) *Sanitizer {
	rules := []rule{
		{re: regexp.MustCompile(`(?is)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), label: "[REDACTED_PRIVATE_KEY]"},
		{re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), label: "Bearer [REDACTED]"},
		{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), label: "[REDACTED_AWS_KEY]"},
		{re: regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`), label: "[REDACTED_API_KEY]"},
		{re: regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*['"]?[^\s'"]+`), label: "$1=[REDACTED]"},
		{re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), label: "[REDACTED_EMAIL]"},
	}
	for _, pattern := range custom {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		rules = append(rules, rule{re: re, label: "[REDACTED_CUSTOM]"})
	}
	return &Sanitizer{rules: rules}
}

// Text redacts secret patterns from s.
func (s *Sanitizer) Text(in string) string {
	if s == nil || in == "" {
		return in
	}
	out := in
	for _, r := range s.rules {
		out = r.re.ReplaceAllString(out, r.label)
	}
	return out
}

// Prediction returns a deep copy of p with policy fields replaced and secret
// patterns removed from every string value and evidence text.
func (s *Sanitizer) Prediction(p domain.Prediction, fields []string) domain.Prediction {
	drop := make(map[string]bool, len(fields))
	for _, f := range fields {
		drop[strings.ToLower(strings.TrimSpace(f))] = true
	}

	out := p
	out.PredictedValues = s.values(p.PredictedValues, drop)
	if p.Evidence != nil {
		out.Evidence = make([]domain.Evidence, len(p.Evidence))
		for i, ev := range p.Evidence {
			ev.Text = s.Text(ev.Text)
			out.Evidence[i] = ev
		}
	}
	return out
}

func (s *Sanitizer) values(in map[string]any, drop map[string]bool) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if drop[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = s.value(v, drop)
	}
	return out
}

func (s *Sanitizer) value(v any, drop map[string]bool) any {
	switch t := v.(type) {
	case string:
		return s.Text(t)
	case map[string]any:
		return s.values(t, drop)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = s.value(e, drop)
		}
		return cp
	default:
		return v
	}
}
