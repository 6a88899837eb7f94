package domain

import "time"

// Channel identifies which adapter handled a dispatch.
type Channel string

const (
	ChannelEmail           Channel = "email"
	ChannelVoice           Channel = "voice"
	ChannelNetworkConnect  Channel = "network_connect"
	ChannelNetworkMessage  Channel = "network_message"
)

// OutcomeKind is the terminal classification of a dispatch attempt, as
// recorded in the log; its three values match channel.Status.
type OutcomeKind string

const (
	OutcomeSent             OutcomeKind = "sent"
	OutcomeTransientFailure OutcomeKind = "transient_failure"
	OutcomePermanentFailure OutcomeKind = "permanent_failure"
)

// LogEntry is an immutable record of one attempted (or webhook-reported)
// touch against a recipient.
type LogEntry struct {
	ID           string      `json:"id" db:"id"`
	EnrollmentID string      `json:"enrollment_id" db:"enrollment_id"`
	StepIndex    int         `json:"step_index" db:"step_index"`
	Channel      Channel     `json:"channel" db:"channel"`
	SenderEmail  string      `json:"sender_email" db:"sender_email"`
	RecipientID  string      `json:"recipient_id" db:"recipient_id"`
	Subject      string      `json:"subject,omitempty" db:"subject"`
	Status       OutcomeKind `json:"status" db:"status"`
	ExternalRef  string      `json:"external_ref,omitempty" db:"external_ref"`
	VariantTags  []string    `json:"variant_tags,omitempty" db:"-"`
	Timestamp    time.Time   `json:"timestamp" db:"timestamp"`
}
