// internal/prompt/registry.go
package prompt

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// IdentityKind layers the persona text: core is always first, task fragments
// describe the current assignment, viewpoint fragments adjust tone or focus.
type IdentityKind string

const (
	IdentityCore      IdentityKind = "core"
	IdentityTask      IdentityKind = "task"
	IdentityViewpoint IdentityKind = "viewpoint"
)

// Identity is one named persona fragment.
type Identity struct {
	Kind IdentityKind
	Name string
	Text string
}

// IdentityRegistry holds persona fragments in registration order within each
// kind.
type IdentityRegistry struct {
	mu    sync.RWMutex
	items []Identity
}

func NewIdentityRegistry() *IdentityRegistry {
	return &IdentityRegistry{}
}

// Register adds a fragment. Re-registering the same kind and name replaces
// the text in place, keeping its position.
func (r *IdentityRegistry) Register(id Identity) error {
	if id.Name == "" || id.Text == "" {
		return fmt.Errorf("identity name and text are required")
	}
	switch id.Kind {
	case IdentityCore, IdentityTask, IdentityViewpoint:
	default:
		return fmt.Errorf("unknown identity kind %q", id.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].Kind == id.Kind && r.items[i].Name == id.Name {
			r.items[i].Text = id.Text
			return nil
		}
	}
	r.items = append(r.items, id)
	return nil
}

// ForKind returns the fragments of one kind in registration order.
func (r *IdentityRegistry) ForKind(kind IdentityKind) []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Identity
	for _, id := range r.items {
		if id.Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// Fact is one piece of situational knowledge fed to the model, bucketed by
// category so the compiler can group and cap them.
type Fact struct {
	Category string
	Content  string
	At       time.Time
}

// InformationRegistry accumulates facts and the visibility allowlists that
// bound what the model is shown. It is additive between snapshots; the
// compiler reads a consistent copy via Snapshot.
type InformationRegistry struct {
	mu             sync.RWMutex
	facts          []Fact
	visibleFiles   map[string]struct{}
	visibleSymbols map[string]struct{}
}

func NewInformationRegistry() *InformationRegistry {
	return &InformationRegistry{
		visibleFiles:   make(map[string]struct{}),
		visibleSymbols: make(map[string]struct{}),
	}
}

// AddFact records one fact. Blank content is dropped silently.
func (r *InformationRegistry) AddFact(category, content string, at time.Time) {
	if content == "" {
		return
	}
	r.mu.Lock()
	r.facts = append(r.facts, Fact{Category: category, Content: content, At: at})
	r.mu.Unlock()
}

// AllowFile adds a path to the visible-file allowlist.
func (r *InformationRegistry) AllowFile(path string) {
	r.mu.Lock()
	r.visibleFiles[path] = struct{}{}
	r.mu.Unlock()
}

// AllowSymbol adds a symbol name to the visible-symbol allowlist.
func (r *InformationRegistry) AllowSymbol(name string) {
	r.mu.Lock()
	r.visibleSymbols[name] = struct{}{}
	r.mu.Unlock()
}

// FileVisible reports whether a path may be surfaced to the model.
func (r *InformationRegistry) FileVisible(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.visibleFiles[path]
	return ok
}

// Snapshot is the point-in-time view the compiler renders from.
type Snapshot struct {
	Facts          []Fact
	VisibleFiles   []string
	VisibleSymbols []string
}

// Snapshot copies the current facts and allowlists. Facts keep insertion
// order; the allowlists are sorted for stable output.
func (r *InformationRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{Facts: append([]Fact(nil), r.facts...)}
	for path := range r.visibleFiles {
		snap.VisibleFiles = append(snap.VisibleFiles, path)
	}
	for name := range r.visibleSymbols {
		snap.VisibleSymbols = append(snap.VisibleSymbols, name)
	}
	sort.Strings(snap.VisibleFiles)
	sort.Strings(snap.VisibleSymbols)
	return snap
}

// Merge folds another snapshot's facts and allowlists into the registry,
// used when restoring a session from a persisted snapshot.
func (r *InformationRegistry) Merge(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts = append(r.facts, snap.Facts...)
	for _, path := range snap.VisibleFiles {
		r.visibleFiles[path] = struct{}{}
	}
	for _, name := range snap.VisibleSymbols {
		r.visibleSymbols[name] = struct{}{}
	}
}
