package validator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/veritas/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var evidence = []domain.Evidence{
	{ID: "sales", Text: "Weekly sales of SKU-42 rose 12.5% in the northern region after the promotion."},
	{ID: "stock", Text: "Warehouse stock for SKU-42 is 340 units, below the reorder point of 400."},
}

func TestSplitClaims(t *testing.T) {
	text := "Sales rose 12.5% last week. Stock is low!\n- Reorder soon\n```json\n{\"actions\":[]}\n```\nOk."
	claims := SplitClaims(text)
	want := []string{"Sales rose 12.5% last week.", "Stock is low!", "Reorder soon"}
	if len(claims) != len(want) {
		t.Fatalf("claims = %q, want %q", claims, want)
	}
	for i := range want {
		if claims[i] != want[i] {
			t.Errorf("claim %d = %q, want %q", i, claims[i], want[i])
		}
	}
}

func TestValidate_Support(t *testing.T) {
	v := New(Config{}, nil, discardLogger())

	tests := []struct {
		name      string
		claim     string
		supported bool
		evidence  string
	}{
		{"word overlap", "Weekly sales of SKU-42 rose in the northern region.", true, "sales"},
		{"numbers only", "Inventory sits at 340 against 400.", true, "stock"},
		{"unsupported", "Competitors launched a cheaper alternative yesterday.", false, ""},
		{"wrong number", "Revenue jumped 30% overall.", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(context.Background(), tt.claim, evidence, false)
			if len(res.Claims) != 1 {
				t.Fatalf("expected 1 claim, got %d", len(res.Claims))
			}
			c := res.Claims[0]
			if c.Supported != tt.supported || c.EvidenceID != tt.evidence {
				t.Errorf("support = %+v, want supported=%v evidence=%q", c, tt.supported, tt.evidence)
			}
		})
	}
}

func TestValidate_ConfidenceOrdering(t *testing.T) {
	v := New(Config{}, nil, discardLogger())
	grounded := "Weekly sales of SKU-42 rose 12.5% in the northern region after the promotion. Warehouse stock for SKU-42 is 340 units, below the reorder point."
	ungrounded := "Competitors launched a cheaper alternative yesterday. Customers are unhappy with packaging colours overall."

	g := v.Validate(context.Background(), grounded, evidence, false)
	u := v.Validate(context.Background(), ungrounded, evidence, false)
	if g.SupportRatio != 1 || u.SupportRatio != 0 {
		t.Fatalf("support ratios = %v / %v", g.SupportRatio, u.SupportRatio)
	}
	if g.Confidence <= u.Confidence {
		t.Errorf("grounded confidence %v should exceed ungrounded %v", g.Confidence, u.Confidence)
	}
	if len(u.Unsupported()) != 2 {
		t.Errorf("unsupported = %v", u.Unsupported())
	}

	truncated := v.Validate(context.Background(), grounded, evidence, true)
	if truncated.Confidence >= g.Confidence {
		t.Errorf("truncation should lower confidence: %v >= %v", truncated.Confidence, g.Confidence)
	}
}

func TestValidate_EmptyText(t *testing.T) {
	v := New(Config{}, nil, discardLogger())
	res := v.Validate(context.Background(), "", evidence, false)
	if res.Confidence != 0 || len(res.Claims) != 0 {
		t.Errorf("empty text result = %+v", res)
	}
}

type fixedEntailer struct {
	score float64
	err   error
}

func (f fixedEntailer) Entails(context.Context, string, string) (float64, error) {
	return f.score, f.err
}

func TestValidate_Entailment(t *testing.T) {
	text := "Weekly sales of SKU-42 rose 12.5% in the northern region after the promotion."

	base := New(Config{}, nil, discardLogger()).Validate(context.Background(), text, evidence, false)
	low := New(Config{}, fixedEntailer{score: 0}, discardLogger()).Validate(context.Background(), text, evidence, false)
	failing := New(Config{}, fixedEntailer{err: errors.New("nli down")}, discardLogger()).Validate(context.Background(), text, evidence, false)

	if low.Entailment == nil || *low.Entailment != 0 {
		t.Fatalf("entailment = %v", low.Entailment)
	}
	if low.Confidence >= base.Confidence {
		t.Errorf("zero entailment should lower confidence: %v >= %v", low.Confidence, base.Confidence)
	}
	if failing.Entailment != nil || failing.Confidence != base.Confidence {
		t.Errorf("failing entailer must be ignored: %+v", failing)
	}
}

func TestCoherence(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		truncated bool
		want      float64
	}{
		{"empty", "", false, 0},
		{"short", "Stock low.", false, 0.5},
		{"truncated", "Sales rose sharply across all northern stores during the promotion week and", true, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Coherence(tt.text, SplitClaims(tt.text), tt.truncated)
			if got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Errorf("Coherence = %v, want %v", got, tt.want)
			}
		})
	}

	repeated := "Sales rose in the north. Sales rose in the north. Sales rose in the north. Stock is fine today."
	if c := Coherence(repeated, SplitClaims(repeated), false); c >= 1 {
		t.Errorf("repetition should be penalized, got %v", c)
	}
}
