// Package react implements the production [engine.Engine]: a bounded
// reason-and-act loop over a streaming LLM provider and an MCP tool host.
//
// Each turn is classified onto one of three paths:
//
//   - Fast: a single streaming completion with no tools. Simple questions
//     never pay for tool schemas they will not use.
//   - Tool: a bounded loop of stream → parse tool calls → execute → feed
//     results back, until the model answers without requesting tools.
//   - Agentic: a planning completion breaks the request into numbered steps,
//     then each step runs the tool loop under a shared round budget and
//     deadline.
//
// The loop enforces the stream discipline the clients rely on: the provider's
// own terminal chunks never reach the client, the engine emits exactly one
// done (or error) frame per turn, and assistant content is cleared from the
// persisted record whenever tool calls are present so raw tool-call JSON
// never re-enters a later turn's context. On the tool and agentic paths,
// content is buffered per round and flushed only when the round produced no
// tool calls; the fast path streams live.
package react

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parlancehq/parlance/internal/cache"
	"github.com/parlancehq/parlance/internal/classify"
	"github.com/parlancehq/parlance/internal/engine"
	"github.com/parlancehq/parlance/internal/hotctx"
	"github.com/parlancehq/parlance/internal/mcp"
	"github.com/parlancehq/parlance/internal/mcp/registry"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/session"
	"github.com/parlancehq/parlance/pkg/memory"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// Loop bounds and defaults. The round caps are hard: exceeding one ends the
// turn with [types.ErrIterationLimit] after a final forced synthesis, it
// never hangs.
const (
	defaultMaxToolTurns   = 5
	defaultMaxAgentRounds = 8
	defaultToolTimeout    = 30 * time.Second
	defaultTurnTimeout    = 10 * time.Minute
	defaultAgentTimeout   = 5 * time.Minute

	// defaultToolResultLimit caps the bytes of a single tool result fed back
	// to the model. One oversized file read must not blow the context window.
	defaultToolResultLimit = 8192

	// streamBuffer absorbs bursts of small content chunks so a slow client
	// does not immediately backpressure the provider stream.
	streamBuffer = 32

	// maxTitleLen bounds the conversation title derived from the first
	// message of a new conversation.
	maxTitleLen = 80
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithCache sets the Redis-backed context cache invalidated on every append.
// A nil cache is a valid always-miss cache.
func WithCache(ch *cache.Cache) Option {
	return func(e *Engine) { e.cache = ch }
}

// WithMaintenance wires the background worker pool and the summarize/embed
// maintenance run after each turn. Any of the three may be nil, disabling
// that piece of maintenance.
func WithMaintenance(pool *session.Pool, s *session.Summarizer, em *session.Embedder) Option {
	return func(e *Engine) {
		e.pool = pool
		e.summarizer = s
		e.embedder = em
	}
}

// WithMetrics sets the metrics sink. Nil disables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMaxToolTurns caps the rounds of the tool loop. Defaults to 5.
func WithMaxToolTurns(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxToolTurns = n
		}
	}
}

// WithMaxAgentRounds caps the total tool-loop rounds across all agentic
// steps. Defaults to 8.
func WithMaxAgentRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAgentRounds = n
		}
	}
}

// WithToolTimeout bounds a single tool execution. Defaults to 30s.
func WithToolTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.toolTimeout = d
		}
	}
}

// WithTurnTimeout bounds the whole turn. Defaults to 10 minutes.
func WithTurnTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.turnTimeout = d
		}
	}
}

// WithAgentTimeout bounds the agentic path. Defaults to 5 minutes.
func WithAgentTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.agentTimeout = d
		}
	}
}

// WithToolResultLimit caps the bytes of a tool result fed back to the model.
// Longer results are cut at a rune boundary and end with a truncation marker.
// Defaults to 8 KiB.
func WithToolResultLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.toolResultLimit = n
		}
	}
}

// WithVisionModel names the model used for turns carrying images when the
// request itself does not override the model.
func WithVisionModel(model string) Option {
	return func(e *Engine) { e.visionModel = model }
}

// WithProviderName sets the provider label attached to recorded metrics.
func WithProviderName(name string) Option {
	return func(e *Engine) { e.providerName = name }
}

// Engine is the reason-and-act chat engine. Safe for concurrent use; each
// [Engine.Run] call is an independent turn.
type Engine struct {
	provider   llm.Provider
	store      memory.ConversationStore
	composer   *hotctx.Composer
	classifier *classify.Classifier
	registry   *registry.Registry
	host       mcp.Host

	cache      *cache.Cache
	pool       *session.Pool
	summarizer *session.Summarizer
	embedder   *session.Embedder
	metrics    *observe.Metrics
	log        *slog.Logger

	maxToolTurns    int
	maxAgentRounds  int
	toolResultLimit int
	toolTimeout     time.Duration
	turnTimeout     time.Duration
	agentTimeout    time.Duration
	visionModel     string
	providerName    string
}

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// New constructs a react Engine. provider, store, composer, registry and host
// are required; classifier may be nil, in which case every turn runs the fast
// path defaults.
func New(provider llm.Provider, store memory.ConversationStore, composer *hotctx.Composer,
	classifier *classify.Classifier, reg *registry.Registry, host mcp.Host, opts ...Option) *Engine {
	e := &Engine{
		provider:       provider,
		store:          store,
		composer:       composer,
		classifier:     classifier,
		registry:       reg,
		host:           host,
		log:             slog.Default(),
		maxToolTurns:    defaultMaxToolTurns,
		maxAgentRounds:  defaultMaxAgentRounds,
		toolResultLimit: defaultToolResultLimit,
		toolTimeout:     defaultToolTimeout,
		turnTimeout:     defaultTurnTimeout,
		agentTimeout:    defaultAgentTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run implements [engine.Engine].
func (e *Engine) Run(ctx context.Context, req engine.Request) (<-chan types.StreamChunk, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return nil, fmt.Errorf("react: empty request")
	}

	out := make(chan types.StreamChunk, streamBuffer)
	go e.runTurn(ctx, req, out)
	return out, nil
}

// turnState accumulates what a single turn persisted, for post-turn
// maintenance scheduling.
type turnState struct {
	conversationID string
	appended       []memory.MessageRecord
}

// runTurn is the goroutine body for one turn. It owns the output channel and
// closes it when the turn ends.
func (e *Engine) runTurn(ctx context.Context, req engine.Request, out chan<- types.StreamChunk) {
	defer close(out)

	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()
	start := time.Now()

	st := &turnState{conversationID: req.ConversationID}
	if st.conversationID == "" {
		conv, err := e.store.CreateConversation(ctx, titleFromText(req.Text))
		if err != nil {
			e.fail(ctx, out, fmt.Errorf("create conversation: %w", err))
			return
		}
		st.conversationID = conv.ID
	}

	label := classify.Default()
	if e.classifier != nil {
		label = e.classifier.Classify(ctx, req.Text, len(req.Images) > 0)
	}
	e.metrics.RecordClassification(ctx, label.Intent, label.Complexity)

	// Context is composed from history as it stood before this turn; the
	// composer appends the incoming text itself, so the user message is
	// persisted only afterwards to keep it out of the fetched hot window.
	msgs, err := e.composer.Compose(ctx, st.conversationID, req.Text, req.Images)
	if err != nil {
		e.fail(ctx, out, fmt.Errorf("compose context: %w", err))
		return
	}

	// The user message is durable before the reasoning loop starts.
	userRec, err := e.store.AppendMessage(ctx, st.conversationID, memory.MessageRecord{
		Role:    types.RoleUser,
		Content: req.Text,
	})
	if err != nil {
		e.fail(ctx, out, fmt.Errorf("persist user message: %w", err))
		return
	}
	st.appended = append(st.appended, userRec)
	e.cache.InvalidateContext(ctx, st.conversationID)

	model := req.Model
	if model == "" && len(req.Images) > 0 {
		model = e.visionModel
	}

	var path string
	var runErr error
	switch {
	case len(req.Images) == 0 && label.Complexity == classify.ComplexityComplex:
		path = "agentic"
		runErr = e.runAgentic(ctx, st, msgs, label, model, req.Text, out)
	case len(req.Images) == 0 && (label.ToolIntent() || label.Complexity == classify.ComplexityMultiStep):
		path = "tool"
		runErr = e.runToolPath(ctx, st, msgs, label, model, req.Text, out)
	default:
		path = "fast"
		runErr = e.runFast(ctx, st, msgs, model, out)
	}

	e.metrics.RecordTurn(ctx, path, time.Since(start))

	switch {
	case runErr == nil:
		emit(ctx, out, types.StreamChunk{Done: true, ConversationID: st.conversationID})
	case errors.Is(runErr, context.Canceled):
		// Client went away; there is nobody left to send frames to.
		e.log.Debug("turn cancelled",
			"conversation_id", st.conversationID,
			"path", path,
			"error", types.ErrCancelled)
	default:
		e.fail(ctx, out, runErr)
	}

	e.scheduleMaintenance(st)
}

// runFast streams a single completion with no tools offered.
func (e *Engine) runFast(ctx context.Context, st *turnState, msgs []types.Message, model string, out chan<- types.StreamChunk) error {
	start := time.Now()
	res, err := e.streamOnce(ctx, llm.CompletionRequest{Messages: msgs, Model: model}, out, true)
	if err != nil {
		return err
	}
	e.appendRecord(ctx, st, memory.MessageRecord{
		Role:      types.RoleAssistant,
		Content:   res.content,
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
	})
	return nil
}

// runToolPath runs the bounded tool loop with the tool set narrowed by the
// classified intent and the user's own wording.
func (e *Engine) runToolPath(ctx context.Context, st *turnState, msgs []types.Message, label classify.Result, model, userText string, out chan<- types.StreamChunk) error {
	var tools []types.ToolDefinition
	if e.registry != nil {
		tools = e.registry.ToolsFor(label.Intent, userText, 0)
	}
	if len(tools) == 0 {
		// Nothing discovered or allowlisted; answer without tools.
		return e.runFast(ctx, st, msgs, model, out)
	}

	budget := e.maxToolTurns
	_, err := e.toolLoop(ctx, st, msgs, tools, model, out, &budget)
	return err
}

// fail sends a terminal error frame unless the client is already gone.
func (e *Engine) fail(ctx context.Context, out chan<- types.StreamChunk, err error) {
	e.log.Error("turn failed", "error", err)
	if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Best effort; the channel consumer may have stopped reading.
		select {
		case out <- types.StreamChunk{Err: err.Error()}:
		default:
		}
	}
}

// appendRecord persists one produced message and invalidates the context
// cache. Mid-turn persistence failures are logged, not surfaced: the answer
// already streamed and losing one record beats losing the turn.
func (e *Engine) appendRecord(ctx context.Context, st *turnState, rec memory.MessageRecord) {
	stored, err := e.store.AppendMessage(ctx, st.conversationID, rec)
	if err != nil {
		e.log.Error("persist message",
			"conversation_id", st.conversationID,
			"role", rec.Role,
			"error", err)
		return
	}
	st.appended = append(st.appended, stored)
	e.cache.InvalidateContext(ctx, st.conversationID)
}

// scheduleMaintenance hands the turn's summarize and embed work to the
// background pool. Jobs run on detached contexts; their failures are logged
// by the pool and never reach the client.
func (e *Engine) scheduleMaintenance(st *turnState) {
	if e.pool == nil {
		return
	}
	if e.embedder != nil {
		for _, rec := range st.appended {
			rec := rec
			e.pool.Submit(session.Job{
				Name:           "embed",
				ConversationID: st.conversationID,
				Run: func(ctx context.Context) error {
					return e.embedder.EmbedMessage(ctx, rec)
				},
			})
		}
	}
	if e.summarizer != nil {
		convID := st.conversationID
		e.pool.Submit(session.Job{
			Name:           "summarize",
			ConversationID: convID,
			Run: func(ctx context.Context) error {
				return e.summarizer.Summarize(ctx, convID)
			},
		})
	}
}

// emit sends one frame, giving up when the turn context ends.
func emit(ctx context.Context, out chan<- types.StreamChunk, c types.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// titleFromText derives a conversation title from the first user message.
func titleFromText(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen-1]) + "…"
	}
	return title
}
