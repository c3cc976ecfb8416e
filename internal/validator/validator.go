// Package validator checks that the claims of a reasoning response are grounded
// in the supplied evidence and computes the composite confidence score.
package validator

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/jkaninda/veritas/internal/domain"
)

// Entailer scores how strongly premise entails hypothesis, in [0,1].
type Entailer interface {
	Entails(ctx context.Context, premise, hypothesis string) (float64, error)
}

// Weights of the composite confidence. They are normalized before use.
type Weights struct {
	Support    float64
	Entailment float64
	Coherence  float64
}

// DefaultWeights favour evidence support.
var DefaultWeights = Weights{Support: 0.6, Entailment: 0.2, Coherence: 0.2}

// Config tunes the validator.
type Config struct {
	SupportThreshold float64 // Content-word overlap for a supported claim. Default: 0.5
	Weights          Weights
}

// Result is the outcome of one validation.
type Result struct {
	Confidence   float64
	SupportRatio float64
	Coherence    float64
	Entailment   *float64 // nil when no entailer ran.
	Claims       []domain.ClaimSupport
}

// Unsupported returns the claims no evidence item supports.
func (r Result) Unsupported() []string {
	var out []string
	for _, c := range r.Claims {
		if !c.Supported {
			out = append(out, c.Claim)
		}
	}
	return out
}

// Validator scores responses against evidence.
type Validator struct {
	cfg      Config
	entailer Entailer
	logger   *slog.Logger
}

// New creates a Validator. entailer may be nil.
func New(cfg Config, entailer Entailer, logger *slog.Logger) *Validator {
	if cfg.SupportThreshold <= 0 {
		cfg.SupportThreshold = 0.5
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	return &Validator{cfg: cfg, entailer: entailer, logger: logger}
}

// Validate splits text into claims, checks each against evidence and returns
// the composite confidence. truncated marks a completion cut at the token cap.
func (v *Validator) Validate(ctx context.Context, text string, evidence []domain.Evidence, truncated bool) Result {
	claims := SplitClaims(text)
	res := Result{Coherence: Coherence(text, claims, truncated)}

	supported := 0
	for _, claim := range claims {
		cs := v.support(claim, evidence)
		if cs.Supported {
			supported++
		}
		res.Claims = append(res.Claims, cs)
	}
	if len(claims) > 0 {
		res.SupportRatio = float64(supported) / float64(len(claims))
	}

	if v.entailer != nil && len(claims) > 0 && len(evidence) > 0 {
		if score, ok := v.entail(ctx, claims, evidence); ok {
			res.Entailment = &score
		}
	}

	res.Confidence = v.combine(res)

	if unsupported := len(claims) - supported; unsupported > 0 {
		v.logger.WarnContext(ctx, "unsupported claims in response",
			slog.Int("unsupported", unsupported),
			slog.Int("claims", len(claims)),
			slog.Float64("confidence", res.Confidence),
		)
	}
	return res
}

func (v *Validator) combine(r Result) float64 {
	w := v.cfg.Weights
	score := w.Support*r.SupportRatio + w.Coherence*r.Coherence
	total := w.Support + w.Coherence
	if r.Entailment != nil {
		score += w.Entailment * *r.Entailment
		total += w.Entailment
	}
	if total <= 0 {
		return 0
	}
	return clamp(score / total)
}

func (v *Validator) entail(ctx context.Context, claims []string, evidence []domain.Evidence) (float64, bool) {
	texts := make([]string, len(evidence))
	for i, e := range evidence {
		texts[i] = e.Text
	}
	premise := strings.Join(texts, "\n")

	var sum float64
	for _, claim := range claims {
		s, err := v.entailer.Entails(ctx, premise, claim)
		if err != nil {
			v.logger.WarnContext(ctx, "entailment check failed, ignoring component",
				slog.String("error", err.Error()),
			)
			return 0, false
		}
		sum += clamp(s)
	}
	return sum / float64(len(claims)), true
}

// support finds the evidence item that best supports claim. A claim is
// supported when its content-word overlap reaches the threshold or every
// number it states appears in the same evidence item.
func (v *Validator) support(claim string, evidence []domain.Evidence) domain.ClaimSupport {
	cs := domain.ClaimSupport{Claim: claim}
	words := contentWords(claim)
	numbers := numberPattern.FindAllString(claim, -1)

	for _, e := range evidence {
		ev := contentWords(e.Text)
		score := overlap(words, ev)
		numeric := len(numbers) > 0 && allIn(numbers, numberPattern.FindAllString(e.Text, -1))
		if numeric && score < v.cfg.SupportThreshold {
			score = v.cfg.SupportThreshold
		}
		if score > cs.Score {
			cs.Score = score
			cs.EvidenceID = e.ID
		}
	}
	cs.Score = math.Round(cs.Score*1000) / 1000
	cs.Supported = cs.Score >= v.cfg.SupportThreshold
	if !cs.Supported {
		cs.EvidenceID = ""
	}
	return cs
}

var (
	fencePattern  = regexp.MustCompile("(?s)```.*?```")
	wordPattern   = regexp.MustCompile(`[\p{L}\p{N}]+(?:[.,][\p{N}]+)*%?`)
	numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)*%?`)
)

// SplitClaims returns the sentences of text that carry at least one content
// word. Fenced code blocks (structured action output) are not claims.
func SplitClaims(text string) []string {
	text = fencePattern.ReplaceAllString(text, " ")
	var claims []string
	for _, s := range sentences(text) {
		s = strings.TrimSpace(strings.TrimLeft(s, "-*# \t"))
		if len(contentWords(s)) == 0 {
			continue
		}
		claims = append(claims, s)
	}
	return claims
}

// sentences cuts text after terminal punctuation followed by whitespace and at line breaks.
func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			out = append(out, text[start:i])
			start = i + 1
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				out = append(out, text[start:i+1])
				start = i + 1
			}
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// Coherence scores the form of a response: very short output, repeated
// sentences and truncation lower the score.
func Coherence(text string, claims []string, truncated bool) float64 {
	score := 1.0
	words := len(strings.Fields(text))
	switch {
	case words == 0:
		return 0
	case words < 5:
		score -= 0.5
	case words < 12:
		score -= 0.2
	}

	if len(claims) > 1 {
		seen := make(map[string]bool, len(claims))
		dup := 0
		for _, c := range claims {
			k := strings.ToLower(c)
			if seen[k] {
				dup++
			}
			seen[k] = true
		}
		score -= 0.5 * float64(dup) / float64(len(claims))
	}

	if truncated {
		score -= 0.3
	}
	return clamp(score)
}

func contentWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		if len(w) < 3 && !isNumber(w) {
			continue
		}
		if stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

func overlap(claim, evidence map[string]bool) float64 {
	if len(claim) == 0 {
		return 0
	}
	n := 0
	for w := range claim {
		if evidence[w] {
			n++
		}
	}
	return float64(n) / float64(len(claim))
}

func allIn(needles, haystack []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}

func isNumber(w string) bool {
	return numberPattern.MatchString(w) && numberPattern.FindString(w) == w
}

func clamp(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

var stopwords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`the and for are but not you all any can had her was one our out has have
		this that with from they will would there their what about which when make like than then them these
		some into more also been were its over such only other very just most should could because while
		expected predicted prediction likely due per`) {
		m[w] = true
	}
	return m
}()
