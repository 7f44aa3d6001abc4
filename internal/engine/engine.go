// Package engine defines the Engine interface and its supporting types.
//
// An Engine drives the full reasoning loop for one chat turn: it classifies
// the incoming message, composes the layered conversation context, streams
// the model's response while executing any tool calls it requests, and
// persists everything the turn produced. The result of a run is a channel of
// [types.StreamChunk] frames ready to forward to a client verbatim.
//
// Implementations are provided by sub-packages (currently
// internal/engine/react). The interface is intentionally narrow so the server
// layer stays implementation-agnostic.
//
// This package lives under internal/ because it encapsulates
// application-private processing logic and is not intended to be imported by
// external code.
package engine

import (
	"context"

	"github.com/parlancehq/parlance/pkg/types"
)

// Request carries everything needed to run one chat turn.
type Request struct {
	// ConversationID scopes the turn to an existing conversation. Empty
	// means start a new conversation; the engine creates one and reports
	// its id on the terminal done frame.
	ConversationID string

	// UserID identifies the requesting user. Used for logging and tracing;
	// the engine does not enforce ownership.
	UserID string

	// Text is the user's message.
	Text string

	// Images holds raw image payloads attached to the message. A turn with
	// images bypasses the classifier and runs on the vision model.
	Images [][]byte

	// Provider optionally names the LLM provider to use for this turn.
	// Empty means the engine's configured default.
	Provider string

	// Model optionally overrides the model within the selected provider.
	Model string
}

// Engine runs chat turns.
//
// Implementations must be safe for concurrent use; each Run call is an
// independent turn with its own stream.
type Engine interface {
	// Run starts one chat turn and returns a channel of stream frames.
	//
	// The channel is closed by the engine when the turn finishes. Exactly
	// one terminal frame is emitted per turn: either a done frame carrying
	// the conversation id, or an error frame. Cancelling ctx aborts the
	// turn; nothing further is sent after cancellation.
	//
	// A non-nil error return means the turn could not start (e.g. an empty
	// request); no channel is opened in that case.
	Run(ctx context.Context, req Request) (<-chan types.StreamChunk, error)
}
