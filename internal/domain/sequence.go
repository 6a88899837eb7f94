package domain

import (
	"fmt"
	"time"
)

// StepKind enumerates the five step variants a sequence can contain.
type StepKind string

const (
	StepEmail          StepKind = "email"
	StepWait           StepKind = "wait"
	StepCall           StepKind = "call"
	StepNetworkConnect StepKind = "network_connect"
	StepNetworkMessage StepKind = "network_message"
)

// PersonalizationMode selects how the Personalizer derives variables for
// an email step.
type PersonalizationMode string

const (
	PersonalizationSignalBased       PersonalizationMode = "signal_based"
	PersonalizationFullyPersonalized PersonalizationMode = "fully_personalized"
	PersonalizationOpenerOnly        PersonalizationMode = "opener_only"
)

// Step is one element of a sequence, at a dense 0-based position. Only the
// fields relevant to Kind are meaningful; the rest are left zero-valued.
//
// A non-wait step may carry a DelayDays pre-step pause; a wait step's own
// delay lives in DelayDays too, keeping one field for both purposes.
type Step struct {
	Kind      StepKind `json:"kind" db:"kind"`
	DelayDays int      `json:"delay_days" db:"delay_days"`

	// email
	TemplateKey         string              `json:"template_key,omitempty" db:"template_key"`
	InlineSubject       string              `json:"inline_subject,omitempty" db:"inline_subject"`
	InlineBody          string              `json:"inline_body,omitempty" db:"inline_body"`
	PersonalizationMode PersonalizationMode `json:"personalization_mode,omitempty" db:"personalization_mode"`

	// call, network_connect, network_message
	Script  string `json:"script,omitempty" db:"script"`
	Message string `json:"message,omitempty" db:"message"`
}

// Validate checks a step for structurally invalid input. It does not
// check cross-step invariants (those belong to Sequence.Validate).
func (s Step) Validate() error {
	switch s.Kind {
	case StepEmail, StepWait, StepCall, StepNetworkConnect, StepNetworkMessage:
	default:
		return fmt.Errorf("invalid step kind %q", s.Kind)
	}
	if s.DelayDays < 0 {
		return fmt.Errorf("delay_days must be >= 0, got %d", s.DelayDays)
	}
	if s.Kind == StepEmail && s.TemplateKey == "" && s.InlineBody == "" {
		return fmt.Errorf("email step requires template_key or inline_body")
	}
	return nil
}

// IsWait reports whether this step is a pure wait (no dispatch, no
// personalization).
func (s Step) IsWait() bool {
	return s.Kind == StepWait
}

// SequenceStatus is reserved for operator-facing lifecycle reporting; the
// engine itself does not read it (whether a sequence's steps may change
// is decided by the store's HasInFlightEnrollments check).
type SequenceStatus string

const (
	SequenceActive   SequenceStatus = "active"
	SequenceArchived SequenceStatus = "archived"
)

// Sequence is a named plan of steps attached to a campaign and owned by
// one sender.
type Sequence struct {
	ID             string    `json:"id" db:"id"`
	CampaignID     string    `json:"campaign_id" db:"campaign_id"`
	Name           string    `json:"name" db:"name"`
	SenderEmail    string    `json:"sender_email" db:"sender_email"`
	Steps          []Step    `json:"steps" db:"-"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Validate checks the sequence and every step within it.
func (sq Sequence) Validate() error {
	if sq.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if sq.Name == "" {
		return fmt.Errorf("name is required")
	}
	if sq.SenderEmail == "" {
		return fmt.Errorf("sender_email is required")
	}
	for i, step := range sq.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// StepAt returns the step at idx, or false if idx is out of range.
func (sq Sequence) StepAt(idx int) (Step, bool) {
	if idx < 0 || idx >= len(sq.Steps) {
		return Step{}, false
	}
	return sq.Steps[idx], true
}
