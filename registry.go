// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// IDAllocator hands out monotonically increasing non-zero ids.
// The zero value is ready to use and it is safe for concurrent use.
type IDAllocator struct {
	last uint64
}

// Next returns a new id.
func (a *IDAllocator) Next() uint64 {
	return atomic.AddUint64(&a.last, 1)
}

// Binding associates a path prefix and a reference id with a handler.
type Binding struct {
	Ref     uint64
	Path    string
	Handler http.Handler
}

// Matches returns true if path is the binding path or lies below it.
// A prefix only matches on a segment boundary, so "/api" matches
// "/api/x" but not "/apix".
func (b Binding) Matches(path string) bool {
	if !strings.HasPrefix(path, b.Path) {
		return false
	}
	return len(path) == len(b.Path) || strings.HasSuffix(b.Path, "/") || path[len(b.Path)] == '/'
}

// Resolver looks up a Binding by reference id.
type Resolver interface {
	Resolve(ref uint64) (Binding, bool)
}

// Registry holds the current handler bindings. It is safe for
// concurrent use.
type Registry struct {
	ids    IDAllocator
	mu     sync.RWMutex
	byRef  map[uint64]Binding
	byPath map[string]uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byRef:  make(map[uint64]Binding),
		byPath: make(map[string]uint64),
	}
}

// Bind binds handler to path and returns the reference id of the binding.
func (reg *Registry) Bind(path string, handler http.Handler) (uint64, error) {
	if !strings.HasPrefix(path, "/") {
		return 0, errors.Errorf("path %q must start with '/'", path)
	}
	if handler == nil {
		return 0, errors.New("nil handler")
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.byPath[path]; ok {
		return 0, errors.Wrap(ErrAlreadyBound, path)
	}
	ref := reg.ids.Next()
	reg.byPath[path] = ref
	reg.byRef[ref] = Binding{Ref: ref, Path: path, Handler: handler}
	return ref, nil
}

// Unbind removes the binding for path. Its reference id is never reused.
func (reg *Registry) Unbind(path string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ref, ok := reg.byPath[path]
	if !ok {
		return errors.Wrap(ErrNotBound, path)
	}
	delete(reg.byPath, path)
	delete(reg.byRef, ref)
	return nil
}

// Ref returns the reference id bound to path.
func (reg *Registry) Ref(path string) (ref uint64, ok bool) {
	reg.mu.RLock()
	ref, ok = reg.byPath[path]
	reg.mu.RUnlock()
	return
}

// Resolve returns the Binding for ref.
func (reg *Registry) Resolve(ref uint64) (b Binding, ok bool) {
	reg.mu.RLock()
	b, ok = reg.byRef[ref]
	reg.mu.RUnlock()
	return
}

// Match returns the binding with the longest path that matches
// requestPath.
func (reg *Registry) Match(requestPath string) (b Binding, ok bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, ref := range reg.byPath {
		if cand := reg.byRef[ref]; cand.Matches(requestPath) && (!ok || len(cand.Path) > len(b.Path)) {
			b, ok = cand, true
		}
	}
	return
}

// Bindings returns the current bindings sorted by path.
func (reg *Registry) Bindings() []Binding {
	reg.mu.RLock()
	bindings := make([]Binding, 0, len(reg.byRef))
	for _, b := range reg.byRef {
		bindings = append(bindings, b)
	}
	reg.mu.RUnlock()
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Path < bindings[j].Path })
	return bindings
}
