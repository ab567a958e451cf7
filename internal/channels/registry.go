package channels

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds the built-in channel plugins plus any registered at runtime
// by the plugin host. Lookups and listings operate on snapshots so callers
// never hold the registry lock while talking to a channel.
type Registry struct {
	mu       sync.RWMutex
	builtin  map[string]Plugin
	dynamic  map[string]Plugin
	aliasFor map[string]string
}

// NewRegistry builds a registry seeded with the given built-in plugins.
func NewRegistry(builtins ...Plugin) *Registry {
	r := &Registry{
		builtin:  make(map[string]Plugin),
		dynamic:  make(map[string]Plugin),
		aliasFor: make(map[string]string),
	}
	for _, p := range builtins {
		r.addLocked(r.builtin, p)
	}
	return r
}

// RegisterBuiltin adds a compiled-in plugin. Later registrations with the
// same id replace earlier ones.
func (r *Registry) RegisterBuiltin(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(r.builtin, p)
}

// Register adds a dynamically loaded plugin. A dynamic plugin whose id
// collides with a built-in is ignored; built-ins win.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := normalizeID(p.ID())
	if _, taken := r.builtin[id]; taken {
		return
	}
	r.addLocked(r.dynamic, p)
}

func (r *Registry) addLocked(dst map[string]Plugin, p Plugin) {
	id := normalizeID(p.ID())
	if id == "" {
		return
	}
	dst[id] = p
	for _, a := range p.Aliases() {
		if a = normalizeID(a); a != "" && a != id {
			r.aliasFor[a] = id
		}
	}
}

// NormalizeChannelID canonicalizes a raw channel name or alias. Returns
// false for names no registered plugin answers to.
func (r *Registry) NormalizeChannelID(raw string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := normalizeID(raw)
	if id == "" {
		return "", false
	}
	if canonical, ok := r.aliasFor[id]; ok {
		id = canonical
	}
	if _, ok := r.builtin[id]; ok {
		return id, true
	}
	if _, ok := r.dynamic[id]; ok {
		return id, true
	}
	return "", false
}

// Get returns the plugin for an id or alias.
func (r *Registry) Get(raw string) (Plugin, bool) {
	id, ok := r.NormalizeChannelID(raw)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.builtin[id]; ok {
		return p, true
	}
	p, ok := r.dynamic[id]
	return p, ok
}

// List returns a snapshot of all plugins ordered by display rank, then id.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	out := make([]Plugin, 0, len(r.builtin)+len(r.dynamic))
	for _, p := range r.builtin {
		out = append(out, p)
	}
	for id, p := range r.dynamic {
		if _, shadowed := r.builtin[id]; !shadowed {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order() != out[j].Order() {
			return out[i].Order() < out[j].Order()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func normalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
