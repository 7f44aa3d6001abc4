package mcp

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerState is the lifecycle state of a registered MCP server.
//
// State transitions:
//
//	starting → ready      first successful connect + tool listing
//	ready    → degraded   error rate over the rolling window exceeds the
//	                      degradation threshold, or consecutive failures
//	degraded → ready      a later call succeeds, or a restart completes
//	degraded → dead       restart attempts are exhausted
//	dead                  terminal; calls fail fast until re-registration
type ServerState int

const (
	// StateStarting means the server process is being spawned and its tool
	// catalogue has not been imported yet.
	StateStarting ServerState = iota

	// StateReady means the server is serving calls normally.
	StateReady

	// StateDegraded means the server is still serving calls but failing often;
	// a background restart may be in progress.
	StateDegraded

	// StateDead means the server is not serving calls. Calls against its tools
	// fail fast with types.ErrHostDead.
	StateDead
)

// String returns the lowercase state name used in logs and health output.
func (s ServerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}
