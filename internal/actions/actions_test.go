package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/domain"
)

func TestCatalog(t *testing.T) {
	tests := []struct {
		kind     Kind
		impact   Impact
		approval bool
		rollback bool
	}{
		{FlagForReview, ImpactLow, false, true},
		{SendNotification, ImpactLow, false, false},
		{AdjustReorderPoint, ImpactMedium, false, true},
		{UpdatePrice, ImpactHigh, true, true},
		{CreatePurchaseOrder, ImpactHigh, true, true},
		{DeactivateProducts, ImpactCritical, true, true},
	}
	if len(Kinds()) != len(tests) {
		t.Fatalf("catalog has %d kinds, want %d", len(Kinds()), len(tests))
	}
	for _, tt := range tests {
		spec, ok := Lookup(string(tt.kind))
		if !ok {
			t.Fatalf("%s missing from catalog", tt.kind)
		}
		c := spec.Capabilities
		if c.Impact != tt.impact || c.RequiresApproval != tt.approval || c.RollbackSupported != tt.rollback {
			t.Errorf("%s capabilities = %+v", tt.kind, c)
		}
	}
	if _, ok := Lookup("drop_database"); ok {
		t.Error("unknown kind must not resolve")
	}
}

func TestSpecValidate(t *testing.T) {
	spec, _ := Lookup(string(UpdatePrice))

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"sku": "A-1", "new_price": 12.5}, false},
		{"missing price", map[string]any{"sku": "A-1"}, true},
		{"negative price", map[string]any{"sku": "A-1", "new_price": -1.0}, true},
		{"extra field", map[string]any{"sku": "A-1", "new_price": 3.0, "sql": "DROP"}, true},
		{"bad currency", map[string]any{"sku": "A-1", "new_price": 3.0, "currency": "euro"}, true},
		{"nil", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := spec.Validate(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestParse(t *testing.T) {
	p := NewParser(slog.New(slog.NewTextHandler(io.Discard, nil)))
	resp := &domain.ReasoningResponse{
		ID:              uuid.New(),
		TenantID:        "acme",
		ConfidenceScore: 0.8,
		Text: "Stock is below the reorder point.\n\n```json\n" +
			`{"actions": [
				{"type": "flag_for_review", "parameters": {"target_id": "SKU-42"}, "confidence": 0.95, "reasoning": "low stock"},
				{"type": "update_price", "parameters": {"sku": "SKU-42", "new_price": 19.99}, "confidence": 0.5},
				{"type": "wipe_inventory", "parameters": {}},
				{"type": "create_purchase_order", "parameters": {"sku": "SKU-42", "quantity": 0}}
			]}` + "\n```\n" +
			"```\n[{\"action_type\": \"send_notification\", \"parameters\": {\"message\": \"restock SKU-42\"}}]\n```\n" +
			"```yaml\nactions: []\n```\n",
	}

	got := p.Parse(context.Background(), resp)
	if len(got) != 3 {
		t.Fatalf("expected 3 proposals, got %d: %+v", len(got), got)
	}

	want := []struct {
		kind       string
		confidence float64
	}{
		{"flag_for_review", 0.8}, // capped at the response confidence
		{"update_price", 0.5},
		{"send_notification", 0.8}, // inherits the response confidence
	}
	for i, w := range want {
		if got[i].ActionType != w.kind || got[i].Confidence != w.confidence {
			t.Errorf("proposal %d = %s/%v, want %s/%v", i, got[i].ActionType, got[i].Confidence, w.kind, w.confidence)
		}
		if got[i].ResponseID != resp.ID {
			t.Errorf("proposal %d not linked to the response", i)
		}
	}
	if got[0].ReasoningText != "low stock" {
		t.Errorf("reasoning = %q", got[0].ReasoningText)
	}
}

func TestParse_NoBlocks(t *testing.T) {
	p := NewParser(slog.New(slog.NewTextHandler(io.Discard, nil)))
	resp := &domain.ReasoningResponse{ID: uuid.New(), Text: "Nothing to do. ```json\nnot json\n```"}
	if got := p.Parse(context.Background(), resp); len(got) != 0 {
		t.Fatalf("expected no proposals, got %+v", got)
	}
}

func TestParseImpact(t *testing.T) {
	for _, i := range []Impact{ImpactLow, ImpactMedium, ImpactHigh, ImpactCritical} {
		got, err := ParseImpact(i.String())
		if err != nil || got != i {
			t.Errorf("ParseImpact(%q) = %v, %v", i.String(), got, err)
		}
	}
	if got, err := ParseImpact("bogus"); err == nil || got != ImpactCritical {
		t.Errorf("unknown level must fail closed, got %v, %v", got, err)
	}
}
