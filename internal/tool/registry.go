package tool

import (
	"fmt"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/personchat/pkg/types"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for an unknown
// tool name to be answered with a "did you mean" hint.
const suggestThreshold = 0.85

// entry is a registered tool plus its call statistics.
type entry struct {
	tool  Tool
	stats *rollingWindow
}

// Registry is the static name→tool table shared by the orchestrator (which
// advertises the definitions) and the [Dispatcher] (which looks tools up).
//
// The zero value is NOT usable; create instances with [NewRegistry].
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds t to the registry. It rejects an empty name, a nil handler
// and a name that is already taken ([ErrDuplicateTool]).
func (r *Registry) Register(t Tool) error {
	name := t.Definition.Name
	if name == "" {
		return fmt.Errorf("tool: tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool: tool %q must have a non-nil handler", name)
	}
	if t.Source == "" {
		t.Source = SourceBuiltin
	}
	if t.Definition.Parameters == nil {
		t.Definition.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.entries[name] = &entry{tool: t, stats: newRollingWindow(defaultWindowSize)}
	r.order = append(r.order, name)
	return nil
}

// Definitions returns the definitions of all registered tools in
// registration order. The result is a fresh slice on every call.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].tool.Definition)
	}
	return defs
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Stats returns per-tool call statistics in registration order.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		calls, p50, p99, errRate := e.stats.snapshot()
		out = append(out, Stats{
			Name:      name,
			Source:    e.tool.Source,
			Calls:     calls,
			P50Ms:     p50,
			P99Ms:     p99,
			ErrorRate: errRate,
		})
	}
	return out
}

// record stores the outcome of one call. Unknown names are ignored.
func (r *Registry) record(name string, d time.Duration, failed bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		e.stats.Record(d, failed)
	}
}

// suggest returns the registered name most similar to name, or "" when
// nothing reaches [suggestThreshold].
func (r *Registry) suggest(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, bestScore := "", 0.0
	for _, candidate := range r.order {
		if score := matchr.JaroWinkler(name, candidate, false); score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
