package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/jkaninda/veritas/internal/domain"
)

var fencedBlock = regexp.MustCompile("(?s)```([a-zA-Z]*)[ \t]*\n(.*?)```")

// Parser extracts action proposals from reasoning responses.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a Parser.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

type wireAction struct {
	Type          string         `json:"type"`
	ActionType    string         `json:"action_type"`
	Parameters    map[string]any `json:"parameters"`
	Confidence    *float64       `json:"confidence"`
	Reasoning     string         `json:"reasoning"`
	ReasoningText string         `json:"reasoning_text"`
}

func (w wireAction) kind() string {
	if w.ActionType != "" {
		return w.ActionType
	}
	return w.Type
}

// Parse returns the valid proposals found in the fenced JSON blocks of resp.
// Blocks hold either {"actions": [...]} or a bare array. Proposals with an
// unknown kind or invalid parameters are dropped and logged. A proposal's
// confidence never exceeds the response confidence.
func (p *Parser) Parse(ctx context.Context, resp *domain.ReasoningResponse) []domain.ActionProposal {
	var proposals []domain.ActionProposal
	for _, raw := range p.extract(ctx, resp.Text) {
		proposal, err := p.proposal(raw, resp)
		if err != nil {
			p.logger.WarnContext(ctx, "action proposal dropped",
				slog.String("tenant_id", resp.TenantID),
				slog.String("response_id", resp.ID.String()),
				slog.String("action_type", raw.kind()),
				slog.String("error", err.Error()),
			)
			continue
		}
		proposals = append(proposals, proposal)
	}
	return proposals
}

func (p *Parser) proposal(raw wireAction, resp *domain.ReasoningResponse) (domain.ActionProposal, error) {
	spec, ok := Lookup(raw.kind())
	if !ok {
		return domain.ActionProposal{}, fmt.Errorf("%w: unknown action type %q", ErrValidation, raw.kind())
	}
	if err := spec.Validate(raw.Parameters); err != nil {
		return domain.ActionProposal{}, err
	}

	confidence := resp.ConfidenceScore
	if raw.Confidence != nil {
		confidence = math.Min(math.Max(*raw.Confidence, 0), resp.ConfidenceScore)
	}
	reasoning := raw.ReasoningText
	if reasoning == "" {
		reasoning = raw.Reasoning
	}
	return domain.ActionProposal{
		ResponseID:    resp.ID,
		ActionType:    string(spec.Kind),
		Parameters:    raw.Parameters,
		Confidence:    confidence,
		ReasoningText: reasoning,
	}, nil
}

func (p *Parser) extract(ctx context.Context, text string) []wireAction {
	var out []wireAction
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		lang, body := strings.ToLower(m[1]), strings.TrimSpace(m[2])
		if lang != "json" && lang != "" {
			continue
		}
		if !strings.HasPrefix(body, "{") && !strings.HasPrefix(body, "[") {
			continue
		}
		parsed, err := decodeBlock([]byte(body))
		if err != nil {
			p.logger.WarnContext(ctx, "malformed action block ignored",
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, parsed...)
	}
	return out
}

func decodeBlock(body []byte) ([]wireAction, error) {
	if bytes.HasPrefix(body, []byte("[")) {
		var list []wireAction
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decoding action list: %w", err)
		}
		return list, nil
	}
	var envelope struct {
		Actions []wireAction `json:"actions"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding action envelope: %w", err)
	}
	return envelope.Actions, nil
}
