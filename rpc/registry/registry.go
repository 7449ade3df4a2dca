// Package registry holds the fixed table of commands the node exposes.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"rubin.dev/rpcnode/rpc"
)

var (
	ErrDuplicateCommand = errors.New("duplicate command")
	ErrRegistryFrozen   = errors.New("registry frozen")
)

// CommandSpec is the immutable description of one command.
type CommandSpec struct {
	Name     string
	Category string
	Handler  rpc.HandlerFunc

	// OKSafeMode allows the command while the node is in safe mode.
	OKSafeMode bool
	// ThreadSafe commands run concurrently; all others hold the exclusive lock.
	ThreadSafe bool
	// RequiresWallet commands fail while the wallet is locked.
	RequiresWallet bool
	// Hidden commands are callable but left out of the help listing.
	Hidden bool
}

type table struct {
	byName map[string]CommandSpec
	order  []string
}

// Registry maps names to command specs. Writes are serialized and publish a
// fresh table, so Lookup never takes a lock.
type Registry struct {
	mu     sync.Mutex
	cur    atomic.Pointer[table]
	frozen atomic.Bool
}

func New() *Registry {
	r := &Registry{}
	r.cur.Store(&table{byName: map[string]CommandSpec{}})
	return r
}

func (r *Registry) Register(spec CommandSpec) error {
	if r == nil {
		return errors.New("nil registry")
	}
	if spec.Name == "" {
		return errors.New("command name required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("command %q: nil handler", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, spec.Name)
	}
	old := r.cur.Load()
	if _, exists := old.byName[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, spec.Name)
	}
	next := &table{
		byName: make(map[string]CommandSpec, len(old.byName)+1),
		order:  append(slices.Clip(old.order), spec.Name),
	}
	for k, v := range old.byName {
		next.byName[k] = v
	}
	next.byName[spec.Name] = spec
	r.cur.Store(next)
	return nil
}

// MustRegister registers every spec and panics on the first failure. It is
// meant for static command tables wired at startup.
func (r *Registry) MustRegister(specs ...CommandSpec) {
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Lookup(name string) (CommandSpec, bool) {
	if r == nil {
		return CommandSpec{}, false
	}
	spec, ok := r.cur.Load().byName[name]
	return spec, ok
}

// List returns all commands grouped by category. Categories are sorted; inside
// a category commands keep registration order.
func (r *Registry) List() []CommandSpec {
	if r == nil {
		return nil
	}
	t := r.cur.Load()
	out := make([]CommandSpec, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.byName[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Category < out[j].Category
	})
	return out
}

// Names returns command names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.cur.Load().order)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.cur.Load().order)
}

// Freeze ends initialization. Later Register calls fail with ErrRegistryFrozen.
func (r *Registry) Freeze() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	return r != nil && r.frozen.Load()
}
