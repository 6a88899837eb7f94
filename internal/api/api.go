// Package api implements the Control API consumed by the studio:
// sequence CRUD, enrollment creation, status reporting, sender hold
// toggling, and the two non-sending preview/test-send endpoints.
// Grounded on internal/api/server.go and internal/api/routes.go's
// Handlers-struct-plus-SetupRoutes shape, generalized from the
// teacher's many domain handler files down to the sequencing domain.
package api

import (
	"context"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/sequencer/internal/channel"
	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/executor"
	"github.com/ignite/sequencer/internal/personalize"
)

// SequenceStore is the subset of store.postgres.Store the Control API
// drives for sequence lifecycle and enrollment operations.
type SequenceStore interface {
	GetSequence(ctx context.Context, id string) (domain.Sequence, error)
	CreateSequence(ctx context.Context, seq domain.Sequence) error
	ReplaceSteps(ctx context.Context, sequenceID string, steps []domain.Step) error
	HasInFlightEnrollments(ctx context.Context, sequenceID string) (bool, error)
	StatusCounts(ctx context.Context, sequenceID string) (map[string]int, error)
	CreateEnrollments(ctx context.Context, sequenceID string, recipientIDs []string, now time.Time) (int, error)
	RetryEnrollment(ctx context.Context, enrollmentID string, now time.Time) error
	InsertLogEntry(ctx context.Context, entry domain.LogEntry) error
}

// SenderStore is the subset driving sender hold toggling and the
// renderer/sender variables used by preview and test-send.
type SenderStore interface {
	GetSender(ctx context.Context, email string) (domain.Sender, error)
	SetOnHold(ctx context.Context, email string, onHold bool) error
}

// RecipientStore loads a recipient for preview/test-send rendering.
type RecipientStore interface {
	GetRecipient(ctx context.Context, id string) (domain.Recipient, error)
}

// Handlers holds everything the Control API's endpoints need: the
// persisted-state stores, the Personalizer used by preview rendering,
// the channel Adapters used by test-send dispatch, and an optional
// liquid engine for the rich-preview mode of /render/preview.
type Handlers struct {
	sequences  SequenceStore
	senders    SenderStore
	recipients RecipientStore
	personal   *personalize.Personalizer
	adapters   executor.Adapters
	liquid     *liquid.Engine

	invalidateSequence func(id string)
}

// New builds a Handlers. invalidateSequence is called after a
// successful ReplaceSteps so the Step Executor's cached snapshot for
// that sequence is dropped; pass executor.Executor.InvalidateSequence,
// or nil if the caller has no live Executor cache to invalidate.
func New(sequences SequenceStore, senders SenderStore, recipients RecipientStore, personal *personalize.Personalizer, adapters executor.Adapters, invalidateSequence func(id string)) *Handlers {
	return &Handlers{
		sequences:          sequences,
		senders:            senders,
		recipients:         recipients,
		personal:           personal,
		adapters:           adapters,
		liquid:             liquid.NewEngine(),
		invalidateSequence: invalidateSequence,
	}
}

// adapterFor resolves a channel adapter by step kind, mirroring
// executor.Adapters.forKind (unexported there) for the test-send path which
// sits outside the Step Executor's normal advance-one-step flow.
func (h *Handlers) adapterFor(kind domain.StepKind) (channel.Adapter, domain.Channel, bool) {
	switch kind {
	case domain.StepEmail:
		return h.adapters.Email, domain.ChannelEmail, h.adapters.Email != nil
	case domain.StepCall:
		return h.adapters.Voice, domain.ChannelVoice, h.adapters.Voice != nil
	case domain.StepNetworkConnect:
		return h.adapters.NetworkConnect, domain.ChannelNetworkConnect, h.adapters.NetworkConnect != nil
	case domain.StepNetworkMessage:
		return h.adapters.NetworkMessage, domain.ChannelNetworkMessage, h.adapters.NetworkMessage != nil
	default:
		return nil, "", false
	}
}
