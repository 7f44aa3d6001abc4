package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	enginemock "github.com/parlancehq/parlance/internal/engine/mock"
	"github.com/parlancehq/parlance/pkg/types"
)

func dialStream(t *testing.T, eng *enginemock.Engine) (*websocket.Conn, context.Context) {
	t.Helper()

	srv := httptest.NewServer(newTestServer(t, eng, nil))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	return conn, ctx
}

func sendRequest(t *testing.T, ctx context.Context, conn *websocket.Conn, req ChatRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readChunk(t *testing.T, ctx context.Context, conn *websocket.Conn) types.StreamChunk {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var chunk types.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return chunk
}

func TestStream_FullTurn(t *testing.T) {
	t.Parallel()
	eng := &enginemock.Engine{
		RunChunks: []types.StreamChunk{
			{Status: "thinking"},
			{Content: "Hi!"},
			{Done: true, ConversationID: "c1"},
		},
	}
	conn, ctx := dialStream(t, eng)

	sendRequest(t, ctx, conn, ChatRequest{ConversationID: "c1", Message: "hello"})

	if got := readChunk(t, ctx, conn); got.Status != "thinking" {
		t.Errorf("first frame: %+v", got)
	}
	if got := readChunk(t, ctx, conn); got.Content != "Hi!" {
		t.Errorf("second frame: %+v", got)
	}
	last := readChunk(t, ctx, conn)
	if !last.Done || last.ConversationID != "c1" {
		t.Errorf("terminal frame: %+v", last)
	}
}

func TestStream_InvalidJSONKeepsConnectionOpen(t *testing.T) {
	t.Parallel()
	eng := &enginemock.Engine{
		RunChunks: []types.StreamChunk{{Done: true, ConversationID: "c1"}},
	}
	conn, ctx := dialStream(t, eng)

	if err := conn.Write(ctx, websocket.MessageText, []byte("{broken")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readChunk(t, ctx, conn); got.Err == "" {
		t.Errorf("expected error frame, got %+v", got)
	}

	// The connection survives; a valid request still works.
	sendRequest(t, ctx, conn, ChatRequest{Message: "hello"})
	if got := readChunk(t, ctx, conn); !got.Done {
		t.Errorf("expected done frame after recovery, got %+v", got)
	}
}

func TestStream_MultipleTurnsOnOneConnection(t *testing.T) {
	t.Parallel()
	eng := &enginemock.Engine{
		RunChunks: []types.StreamChunk{{Done: true, ConversationID: "c1"}},
	}
	conn, ctx := dialStream(t, eng)

	for i := 0; i < 3; i++ {
		sendRequest(t, ctx, conn, ChatRequest{ConversationID: "c1", Message: "again"})
		if got := readChunk(t, ctx, conn); !got.Done {
			t.Fatalf("turn %d: expected done frame, got %+v", i, got)
		}
	}
	if len(eng.RunCalls) != 3 {
		t.Errorf("engine calls: got %d, want 3", len(eng.RunCalls))
	}
}

func TestStream_EngineRejectionReportedInBand(t *testing.T) {
	t.Parallel()
	eng := &enginemock.Engine{RunErr: context.DeadlineExceeded}
	conn, ctx := dialStream(t, eng)

	sendRequest(t, ctx, conn, ChatRequest{})
	got := readChunk(t, ctx, conn)
	if got.Err == "" {
		t.Errorf("expected error frame, got %+v", got)
	}
}
