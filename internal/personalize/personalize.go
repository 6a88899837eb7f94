// Package personalize derives the variables a sequence step layers on
// top of recipient/sender data before rendering: an opener sentence, a
// pain statement, and a credibility anchor. It supports the three modes
// named in the sequence step (signal_based, fully_personalized,
// opener_only) and degrades to an empty, non-personalized fallback when
// an external AI call fails rather than aborting the step.
package personalize

import (
	"context"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/pkg/logger"
)

// Output is the variable mapping a Personalizer contributes to the
// variable bag, plus an optional full-body replacement.
type Output struct {
	Vars         map[string]string
	ReplaceBody  string // only set for fully_personalized
	BodyReplaced bool
}

// Client is the AI call handle used by fully_personalized and
// opener_only modes.
type Client interface {
	// GenerateBody produces a complete email body for the recipient.
	GenerateBody(ctx context.Context, recipient domain.Recipient, sequenceContext string) (string, error)
	// GenerateOpener produces a 1-2 sentence opener for the recipient.
	GenerateOpener(ctx context.Context, recipient domain.Recipient, sequenceContext string) (string, error)
}

// Personalizer resolves a recipient + mode into derived variables.
type Personalizer struct {
	ai      Client
	signals signalLibrary
}

// New builds a Personalizer. ai may be nil if only signal_based mode is
// ever used (e.g. in tests or a deployment with AI personalization
// disabled via config).
func New(ai Client) *Personalizer {
	return &Personalizer{ai: ai, signals: defaultSignalLibrary()}
}

// Personalize produces the derived variables for one recipient under the
// given mode. sequenceContext is free text describing the sequence/step
// (used only as AI-call context).
func (p *Personalizer) Personalize(ctx context.Context, recipient domain.Recipient, mode domain.PersonalizationMode, sequenceContext string) Output {
	switch mode {
	case domain.PersonalizationSignalBased:
		return p.signalBased(recipient)
	case domain.PersonalizationFullyPersonalized:
		return p.fullyPersonalized(ctx, recipient, sequenceContext)
	case domain.PersonalizationOpenerOnly:
		return p.openerOnly(ctx, recipient, sequenceContext)
	default:
		return Output{Vars: emptyVars()}
	}
}

func (p *Personalizer) signalBased(recipient domain.Recipient) Output {
	industry := recipient.Attribute("industry")
	signal := strongestSignal(recipient)
	entry, ok := p.signals[signalKey{industry: industry, signal: signal}]
	if !ok {
		entry = p.signals[signalKey{industry: "", signal: ""}]
	}
	return Output{Vars: map[string]string{
		"personalization_sentence": entry.opener,
		"pain_statement":           entry.pain,
		"credibility_anchor":       entry.credibility,
	}}
}

func (p *Personalizer) fullyPersonalized(ctx context.Context, recipient domain.Recipient, sequenceContext string) Output {
	if p.ai == nil {
		return Output{Vars: emptyVars()}
	}
	body, err := p.ai.GenerateBody(ctx, recipient, sequenceContext)
	if err != nil {
		logger.Warn("personalizer: fully_personalized AI call failed, falling back", "recipient_id", recipient.ID, "error", err.Error())
		return Output{Vars: emptyVars()}
	}
	return Output{Vars: emptyVars(), ReplaceBody: body, BodyReplaced: true}
}

func (p *Personalizer) openerOnly(ctx context.Context, recipient domain.Recipient, sequenceContext string) Output {
	if p.ai == nil {
		return Output{Vars: emptyVars()}
	}
	opener, err := p.ai.GenerateOpener(ctx, recipient, sequenceContext)
	if err != nil {
		logger.Warn("personalizer: opener_only AI call failed, falling back", "recipient_id", recipient.ID, "error", err.Error())
		return Output{Vars: emptyVars()}
	}
	return Output{Vars: map[string]string{"personalization_sentence": opener}}
}

func emptyVars() map[string]string {
	return map[string]string{
		"personalization_sentence": "",
		"pain_statement":           "",
		"credibility_anchor":       "",
	}
}

func strongestSignal(r domain.Recipient) string {
	if v, ok := r.Attributes["job_postings_count"]; ok {
		if n, ok := v.(int); ok && n > 0 {
			return "job_postings"
		}
	}
	if v, ok := r.Attributes["intent_score"]; ok {
		if n, ok := v.(float64); ok && n >= 0.7 {
			return "high_intent"
		}
	}
	if r.Attribute("equipment_signals") != "" {
		return "equipment_signals"
	}
	return ""
}
