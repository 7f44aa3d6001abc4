package types

import "errors"

// Failure taxonomy for a chat turn. The engine distinguishes two classes:
// tool-class failures are recovered in-band by feeding an error string back
// to the model as a tool-role message, while provider and engine failures
// terminate the turn with an error frame.
var (
	// ErrProviderUnavailable indicates the LLM backend could not be reached
	// or refused the request before producing output.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderBadOutput indicates the backend produced output the engine
	// could not interpret (e.g. a truncated stream).
	ErrProviderBadOutput = errors.New("provider returned bad output")

	// ErrToolNotFound indicates the model requested a tool outside the
	// active tool set.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolArgsInvalid indicates tool arguments failed to decode.
	ErrToolArgsInvalid = errors.New("tool arguments invalid")

	// ErrToolTimeout indicates a tool call exceeded its deadline.
	ErrToolTimeout = errors.New("tool call timed out")

	// ErrHostDead indicates the tool's MCP server is dead and calls against
	// it fail fast without being attempted.
	ErrHostDead = errors.New("tool host dead")

	// ErrIterationLimit indicates the reasoning loop hit its round cap
	// without the model producing a final answer.
	ErrIterationLimit = errors.New("iteration limit exceeded")

	// ErrCancelled indicates the client went away mid-turn.
	ErrCancelled = errors.New("turn cancelled")

	// ErrInvariant indicates internal state the engine refuses to continue
	// from, such as a tool reply without a matching call id.
	ErrInvariant = errors.New("internal invariant violated")
)

// RecoverableToolError reports whether err is a tool-class failure that the
// engine feeds back to the model instead of ending the turn.
func RecoverableToolError(err error) bool {
	return errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, ErrToolArgsInvalid) ||
		errors.Is(err, ErrToolTimeout) ||
		errors.Is(err, ErrHostDead)
}
