// Package registry narrows the MCP tool catalogue down to the bounded set a
// single chat turn is allowed to see.
//
// Two gates apply in order:
//
//  1. The allowlist — a fixed operator-configured set of tool names. Tools the
//     hosts discover but the allowlist omits are invisible to every turn and
//     can never be executed, including via salvaged calls.
//  2. The relevance filter — lightweight keyword heuristics that pick the
//     tools relevant to the classified intent and to the words of the user's
//     message, capped at a configurable maximum. Offering a model forty tool
//     schemas degrades both latency and call accuracy, so the cap is
//     deliberately small.
//
// The filter deliberately avoids LLM calls: selection is pure string matching
// and runs inline in the turn hot path.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/parlancehq/parlance/internal/mcp"
	"github.com/parlancehq/parlance/pkg/types"
)

// DefaultFilterMax is the default cap on tools offered per turn.
const DefaultFilterMax = 5

// defaultIntentKeywords maps an intent category to the keywords that mark a
// tool as relevant. Keywords are matched case-insensitively as substrings of
// the tool's name and description. Intents absent from the map (GENERAL in
// particular) apply no narrowing beyond the cap.
var defaultIntentKeywords = map[string][]string{
	"FILESYSTEM": {"file", "dir", "directory", "ls", "list", "read", "write", "search", "show", "view", "path"},
	"GIT":        {"git", "repo", "commit", "branch", "diff", "log"},
	"FETCH":      {"fetch", "url", "http", "download", "web"},
	"CODE":       {"file", "read", "write", "search", "execute", "run"},
}

// Option is a functional option for configuring a [Registry].
type Option func(*Registry)

// WithAllowlist sets the tool-name allowlist. An empty allowlist permits
// every discovered tool; that is only sensible in development setups.
func WithAllowlist(names ...string) Option {
	return func(r *Registry) {
		r.allowlist = make(map[string]bool, len(names))
		for _, n := range names {
			r.allowlist[n] = true
		}
	}
}

// WithFilterMax caps how many tools a single turn may be offered.
// Zero or negative keeps the default.
func WithFilterMax(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.filterMax = n
		}
	}
}

// WithIntentKeywords replaces the keyword table for one intent category.
func WithIntentKeywords(intent string, keywords ...string) Option {
	return func(r *Registry) {
		r.intentKeywords[strings.ToUpper(intent)] = append([]string(nil), keywords...)
	}
}

// Registry is the per-turn tool gate over an [mcp.Host].
// All methods are safe for concurrent use (the host carries the mutable
// state; the registry's own configuration is immutable after construction).
type Registry struct {
	host           mcp.Host
	allowlist      map[string]bool // empty means allow everything
	filterMax      int
	intentKeywords map[string][]string
}

// New creates a Registry over the given host.
func New(host mcp.Host, opts ...Option) *Registry {
	r := &Registry{
		host:           host,
		allowlist:      map[string]bool{},
		filterMax:      DefaultFilterMax,
		intentKeywords: map[string][]string{},
	}
	for intent, kws := range defaultIntentKeywords {
		r.intentKeywords[intent] = kws
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ActiveTools returns the allowlisted subset of the discovered catalogue,
// sorted by name for deterministic ordering.
func (r *Registry) ActiveTools() []types.ToolDefinition {
	discovered := r.host.Tools()

	out := make([]types.ToolDefinition, 0, len(discovered))
	for _, td := range discovered {
		if len(r.allowlist) > 0 && !r.allowlist[td.Name] {
			continue
		}
		out = append(out, td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolsFor returns the bounded tool set to offer a turn, given the classified
// intent and the user's message text. limit caps the result; zero or negative
// means the configured filter maximum.
//
// A tool is admitted when its name or description matches the intent's keyword
// table, or contains a query token that appears in any intent's table. The
// second gate rescues turns the classifier mislabels: "show me that file
// again" classified GENERAL still pulls in the filesystem tools, because
// "show" and "file" are table vocabulary. Intent matches rank ahead of
// query-token matches. If narrowing leaves nothing, the first tools of the
// active set are offered instead: an empty offer would force the model into
// pure recall when the classifier guessed wrong.
func (r *Registry) ToolsFor(intent, query string, limit int) []types.ToolDefinition {
	if limit <= 0 {
		limit = r.filterMax
	}

	active := r.ActiveTools()
	intentKws := r.intentKeywords[strings.ToUpper(intent)]
	queryKws := r.matchedQueryTokens(query)

	if len(intentKws) > 0 || len(queryKws) > 0 {
		matched := make([]types.ToolDefinition, 0, limit)
		seen := make(map[string]bool, limit)
		admit := func(td types.ToolDefinition, hit bool) {
			if hit && !seen[td.Name] {
				seen[td.Name] = true
				matched = append(matched, td)
			}
		}
		for _, td := range active {
			admit(td, matchesAny(td, intentKws))
		}
		for _, td := range active {
			admit(td, containsToken(td, queryKws))
		}
		if len(matched) > limit {
			matched = matched[:limit]
		}
		if len(matched) > 0 {
			return matched
		}
	}

	if len(active) > limit {
		active = active[:limit]
	}
	return active
}

// matchedQueryTokens lowercases the query, splits it on non-alphanumeric
// runes, and keeps the tokens that appear in any intent's keyword table. Only
// vocabulary the tables already treat as tool-relevant can widen the offer;
// arbitrary query words cannot drag in unrelated tools.
func (r *Registry) matchedQueryTokens(query string) []string {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	vocab := make(map[string]bool)
	for _, kws := range r.intentKeywords {
		for _, kw := range kws {
			vocab[kw] = true
		}
	}

	tokens := strings.FieldsFunc(strings.ToLower(query), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	var out []string
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if vocab[tok] && !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

// Known reports whether name is an allowlisted, discovered tool. The salvage
// parser uses this as its acceptance gate.
func (r *Registry) Known(name string) bool {
	if len(r.allowlist) > 0 && !r.allowlist[name] {
		return false
	}
	for _, td := range r.host.Tools() {
		if td.Name == name {
			return true
		}
	}
	return false
}

// Lookup returns the definition of an active tool by name.
func (r *Registry) Lookup(name string) (types.ToolDefinition, error) {
	if r.Known(name) {
		for _, td := range r.host.Tools() {
			if td.Name == name {
				return td, nil
			}
		}
	}
	return types.ToolDefinition{}, fmt.Errorf("registry: %q: %w", name, types.ErrToolNotFound)
}

// matchesAny reports whether the tool's name or description contains any of
// the keywords, case-insensitively. Keywords of one or two characters must
// match a whole word; "ls" may not hit inside "tools".
func matchesAny(td types.ToolDefinition, keywords []string) bool {
	haystack := strings.ToLower(td.Name + " " + td.Description)
	for _, kw := range keywords {
		if len(kw) <= 2 {
			if containsToken(td, []string{kw}) {
				return true
			}
			continue
		}
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// containsToken reports whether any of the tokens appears as a whole word in
// the tool's name or description. Word-level matching keeps short verbs like
// "ls" from hitting by substring accident.
func containsToken(td types.ToolDefinition, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	words := strings.FieldsFunc(strings.ToLower(td.Name+" "+td.Description), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	for _, w := range words {
		for _, tok := range tokens {
			if w == tok {
				return true
			}
		}
	}
	return false
}
