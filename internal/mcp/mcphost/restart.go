package mcphost

import (
	"context"
	"time"

	"github.com/parlancehq/parlance/internal/mcp"
)

// restartConnectTimeout bounds a single reconnect attempt, including the
// subprocess spawn and the initial tool listing.
const restartConnectTimeout = 30 * time.Second

// restartServer is the background supervisor for one failing server. It
// retries the connection with exponential backoff; on success the session and
// tool catalogue are swapped in atomically and the server returns to ready.
// When all attempts fail the server is declared dead and its tools fail fast
// until an operator re-registers it.
//
// Only one restartServer goroutine runs per server at a time; recordOutcome
// guards scheduling with serverEntry.restarting.
func (h *Host) restartServer(name string) {
	defer h.wg.Done()

	h.mu.RLock()
	srv, ok := h.servers[name]
	var cfg mcp.ServerConfig
	if ok {
		cfg = srv.cfg
	}
	closed := h.closed
	h.mu.RUnlock()

	if !ok || closed {
		return
	}

	backoff := h.baseBackoff
	for attempt := 1; attempt <= h.maxRestarts; attempt++ {
		time.Sleep(backoff)
		backoff *= 2
		if backoff > h.maxBackoff {
			backoff = h.maxBackoff
		}

		h.mu.RLock()
		closed = h.closed
		h.mu.RUnlock()
		if closed {
			return
		}

		h.log.Info("restarting mcp server", "server", name, "attempt", attempt)

		ctx, cancel := context.WithTimeout(context.Background(), restartConnectTimeout)
		session, discovered, err := h.connect(ctx, cfg)
		cancel()
		if err != nil {
			h.log.Warn("mcp server restart failed", "server", name, "attempt", attempt, "error", err)
			continue
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			_ = session.Close()
			return
		}
		srv, ok := h.servers[name]
		if !ok {
			h.mu.Unlock()
			_ = session.Close()
			return
		}
		if srv.session != nil {
			_ = srv.session.Close()
		}
		srv.session = session
		srv.state = mcp.StateReady
		srv.consecutiveFailures = 0
		srv.restarting = false
		srv.window = newRollingWindow(defaultWindowSize)
		h.importToolsLocked(name, discovered)
		h.mu.Unlock()

		h.log.Info("mcp server restarted", "server", name, "tools", len(discovered))
		return
	}

	h.mu.Lock()
	if srv, ok := h.servers[name]; ok {
		srv.state = mcp.StateDead
		srv.restarting = false
		if srv.session != nil {
			_ = srv.session.Close()
			srv.session = nil
		}
	}
	h.mu.Unlock()

	h.log.Error("mcp server dead after exhausting restarts", "server", name, "attempts", h.maxRestarts)
}
