package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/parlancehq/parlance/pkg/types"
)

// handleStream serves GET /api/chat/stream. Each WebSocket connection carries
// a sequence of chat turns: the client sends one ChatRequest JSON frame per
// turn and receives StreamChunk frames until the terminal done or error
// frame. A malformed request produces a single error frame and leaves the
// connection open. Closing the connection cancels any in-flight turn.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	if s.metrics != nil {
		s.metrics.ActiveStreams.Add(r.Context(), 1)
		defer s.metrics.ActiveStreams.Add(context.Background(), -1)
	}

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Client closed the connection or the server is shutting down.
			return
		}
		if typ != websocket.MessageText {
			s.writeChunk(ctx, conn, types.StreamChunk{Err: "text frames only"})
			continue
		}

		var req ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeChunk(ctx, conn, types.StreamChunk{Err: "invalid request: " + err.Error()})
			continue
		}

		if err := s.streamTurn(ctx, conn, req); err != nil {
			// Write failure means the client is gone.
			return
		}
	}
}

// streamTurn runs one chat turn and forwards its chunks to the client.
// Returns a non-nil error only when the connection is no longer writable;
// turn-level failures are reported to the client in-band.
func (s *Server) streamTurn(ctx context.Context, conn *websocket.Conn, req ChatRequest) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := s.engine.Run(turnCtx, req.engineRequest())
	if err != nil {
		return s.writeChunk(ctx, conn, types.StreamChunk{Err: err.Error()})
	}

	for chunk := range ch {
		if err := s.writeChunk(ctx, conn, chunk); err != nil {
			// Cancel the turn and drain so the engine goroutine exits.
			cancel()
			for range ch {
			}
			return err
		}
	}
	return nil
}

// writeChunk marshals and sends a single frame.
func (s *Server) writeChunk(ctx context.Context, conn *websocket.Conn, chunk types.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Debug("websocket write failed", "err", err)
		}
		return err
	}
	return nil
}
