// Package actions defines the closed catalog of action kinds the engine can
// execute and extracts typed proposals from reasoning responses.
package actions

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation is returned when a proposal does not match its kind's schema
// or names a kind outside the catalog.
var ErrValidation = errors.New("action validation failed")

// Kind identifies an action. The set of kinds is closed.
type Kind string

const (
	FlagForReview       Kind = "flag_for_review"
	SendNotification    Kind = "send_notification"
	AdjustReorderPoint  Kind = "adjust_reorder_point"
	UpdatePrice         Kind = "update_price"
	CreatePurchaseOrder Kind = "create_purchase_order"
	DeactivateProducts  Kind = "deactivate_products"
)

// Impact is the static risk class of a kind.
type Impact int

const (
	ImpactLow Impact = iota
	ImpactMedium
	ImpactHigh
	ImpactCritical
)

func (i Impact) String() string {
	switch i {
	case ImpactLow:
		return "low"
	case ImpactMedium:
		return "medium"
	case ImpactHigh:
		return "high"
	case ImpactCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseImpact converts a stored impact level back to an Impact.
func ParseImpact(s string) (Impact, error) {
	switch strings.ToLower(s) {
	case "low":
		return ImpactLow, nil
	case "medium":
		return ImpactMedium, nil
	case "high":
		return ImpactHigh, nil
	case "critical":
		return ImpactCritical, nil
	}
	return ImpactCritical, fmt.Errorf("unknown impact level %q", s)
}

// Capabilities are declared per kind and never derived from a proposal.
type Capabilities struct {
	RequiresApproval  bool
	RollbackSupported bool
	Impact            Impact
}

// Spec is the catalog entry of one kind.
type Spec struct {
	Kind         Kind
	Description  string
	Capabilities Capabilities
	Schema       string
	compiled     *jsonschema.Schema
}

// Validate checks params against the kind's parameter schema.
func (s *Spec) Validate(params map[string]any) error {
	if params == nil {
		return fmt.Errorf("%w: %s: missing parameters", ErrValidation, s.Kind)
	}
	if err := s.compiled.Validate(params); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, s.Kind, err)
	}
	return nil
}

var catalog = map[Kind]*Spec{}

func register(kind Kind, description string, caps Capabilities, schema string) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://veritas.schemas.local/actions/%s.schema.json", kind)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("action schema %s: %v", kind, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("action schema %s: %v", kind, err))
	}
	catalog[kind] = &Spec{
		Kind:         kind,
		Description:  description,
		Capabilities: caps,
		Schema:       schema,
		compiled:     compiled,
	}
}

func init() {
	register(FlagForReview, "Flag a product or prediction for analyst review.",
		Capabilities{RollbackSupported: true, Impact: ImpactLow}, `{
	"type": "object",
	"required": ["target_id"],
	"properties": {
		"target_id": {"type": "string", "minLength": 1},
		"reason": {"type": "string"}
	},
	"additionalProperties": false
}`)

	register(SendNotification, "Notify the tenant's operators.",
		Capabilities{Impact: ImpactLow}, `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"channel": {"type": "string", "enum": ["email", "slack", "webhook"]},
		"message": {"type": "string", "minLength": 1, "maxLength": 2000}
	},
	"additionalProperties": false
}`)

	register(AdjustReorderPoint, "Change the reorder point of a SKU.",
		Capabilities{RollbackSupported: true, Impact: ImpactMedium}, `{
	"type": "object",
	"required": ["sku", "reorder_point"],
	"properties": {
		"sku": {"type": "string", "minLength": 1},
		"reorder_point": {"type": "integer", "minimum": 0},
		"previous_reorder_point": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`)

	register(UpdatePrice, "Change the selling price of a SKU.",
		Capabilities{RequiresApproval: true, RollbackSupported: true, Impact: ImpactHigh}, `{
	"type": "object",
	"required": ["sku", "new_price"],
	"properties": {
		"sku": {"type": "string", "minLength": 1},
		"new_price": {"type": "number", "exclusiveMinimum": 0},
		"previous_price": {"type": "number", "exclusiveMinimum": 0},
		"currency": {"type": "string", "pattern": "^[A-Z]{3}$"}
	},
	"additionalProperties": false
}`)

	register(CreatePurchaseOrder, "Create a purchase order with a supplier.",
		Capabilities{RequiresApproval: true, RollbackSupported: true, Impact: ImpactHigh}, `{
	"type": "object",
	"required": ["sku", "quantity"],
	"properties": {
		"sku": {"type": "string", "minLength": 1},
		"quantity": {"type": "integer", "minimum": 1},
		"supplier_id": {"type": "string"}
	},
	"additionalProperties": false
}`)

	register(DeactivateProducts, "Deactivate one or more products.",
		Capabilities{RequiresApproval: true, RollbackSupported: true, Impact: ImpactCritical}, `{
	"type": "object",
	"required": ["skus"],
	"properties": {
		"skus": {"type": "array", "minItems": 1, "maxItems": 100, "items": {"type": "string", "minLength": 1}},
		"reason": {"type": "string"}
	},
	"additionalProperties": false
}`)
}

// Lookup returns the catalog entry of kind.
func Lookup(kind string) (*Spec, bool) {
	s, ok := catalog[Kind(kind)]
	return s, ok
}

// Kinds returns every kind in the catalog, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
