// Package mock provides an in-memory mock implementation of [engine.Engine]
// for use in unit tests.
//
// The mock records every Run call and allows the test to script the frames
// emitted on the returned channel. It is safe for concurrent use.
//
// Example:
//
//	e := &mock.Engine{
//	    RunChunks: []types.StreamChunk{
//	        {Content: "Hello"},
//	        {Done: true, ConversationID: "c1"},
//	    },
//	}
//	ch, err := e.Run(ctx, engine.Request{Text: "hi"})
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/internal/engine"
	"github.com/parlancehq/parlance/pkg/types"
)

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// RunCall records the arguments of a single [Engine.Run] call.
type RunCall struct {
	// Ctx is the context passed to Run.
	Ctx context.Context
	// Req is the request passed to Run.
	Req engine.Request
}

// Engine is a mock implementation of [engine.Engine].
type Engine struct {
	mu sync.Mutex

	// RunChunks is the frame sequence emitted on the channel returned by
	// Run. All frames are sent before the channel is closed.
	RunChunks []types.StreamChunk

	// RunErr, if non-nil, is returned by Run instead of opening a channel.
	RunErr error

	// RunCalls records all Run invocations in order.
	RunCalls []RunCall
}

// Run implements [engine.Engine]. It records the call and streams RunChunks,
// honouring context cancellation between frames.
func (e *Engine) Run(ctx context.Context, req engine.Request) (<-chan types.StreamChunk, error) {
	e.mu.Lock()
	e.RunCalls = append(e.RunCalls, RunCall{Ctx: ctx, Req: req})
	if e.RunErr != nil {
		err := e.RunErr
		e.mu.Unlock()
		return nil, err
	}
	chunks := make([]types.StreamChunk, len(e.RunChunks))
	copy(chunks, e.RunChunks)
	e.mu.Unlock()

	ch := make(chan types.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Reset clears all recorded calls.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RunCalls = nil
}
