package health

import (
	"context"
	"fmt"

	"github.com/parlancehq/parlance/internal/mcp"
	"github.com/parlancehq/parlance/pkg/memory"
)

// StoreChecker probes the conversation store with a one-row list query.
func StoreChecker(store memory.ConversationStore) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := store.ListConversations(ctx, memory.WithListLimit(1))
			return err
		},
	}
}

// HostChecker reports the MCP host's server fleet. It fails only when servers
// are configured and every one of them is dead; a partially degraded fleet is
// still considered serving.
func HostChecker(host mcp.Host) Checker {
	return Checker{
		Name: "mcp",
		Check: func(_ context.Context) error {
			servers := host.Health()
			if len(servers) == 0 {
				return nil
			}
			dead := 0
			for _, s := range servers {
				if s.State == mcp.StateDead {
					dead++
				}
			}
			if dead == len(servers) {
				return fmt.Errorf("all %d MCP servers are dead", dead)
			}
			return nil
		},
	}
}

// ProviderChecker wraps a provider-supplied probe under the given name.
// LLM backends expose no uniform ping, so the app decides what "reachable"
// means for each (a breaker state inspection, a HEAD request, a token count).
func ProviderChecker(name string, probe func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: probe}
}
