// Package registry holds the named connection endpoints queuegate serves.
//
// A Registry is built once at startup and never changes afterwards, so
// lookups need no locking.
package registry

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/glimte/queuegate/broker"
)

// Endpoint is one named broker connection endpoint.
type Endpoint struct {
	Name string
	// URI is the sanitized connection descriptor, for display only.
	URI                string
	Factory            broker.ConnectionFactory
	Pool               broker.SessionPool
	DefaultDestination string
	SessionMode        broker.SessionMode
}

// Registry maps endpoint names to endpoints.
type Registry struct {
	endpoints map[string]*Endpoint
	names     []string
}

// New builds a registry from a fixed list of endpoints.
func New(endpoints ...*Endpoint) (*Registry, error) {
	r := &Registry{endpoints: make(map[string]*Endpoint, len(endpoints))}

	var errs []error
	for i, ep := range endpoints {
		switch {
		case ep == nil:
			errs = append(errs, fmt.Errorf("registry: endpoint %d is nil", i))
			continue
		case ep.Name == "":
			errs = append(errs, fmt.Errorf("registry: endpoint %d has no name", i))
			continue
		case ep.Factory == nil:
			errs = append(errs, fmt.Errorf("registry: endpoint %q has no connection factory", ep.Name))
			continue
		}
		if _, dup := r.endpoints[ep.Name]; dup {
			errs = append(errs, fmt.Errorf("registry: duplicate endpoint %q", ep.Name))
			continue
		}
		stored := *ep
		r.endpoints[ep.Name] = &stored
		r.names = append(r.names, ep.Name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Strings(r.names)
	return r, nil
}

// Lookup returns a copy of the endpoint registered under name. The factory
// and pool inside it are shared.
func (r *Registry) Lookup(name string) (*Endpoint, bool) {
	ep, ok := r.endpoints[name]
	if !ok {
		return nil, false
	}
	cp := *ep
	return &cp, true
}

// Names returns the registered endpoint names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of endpoints.
func (r *Registry) Len() int {
	return len(r.names)
}

// Close releases the session pool of every endpoint, then every factory
// that holds a client of its own.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.names {
		ep := r.endpoints[name]
		if ep.Pool != nil {
			if err := ep.Pool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close endpoint %q: %w", name, err))
			}
		}
		if closer, ok := ep.Factory.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close endpoint %q factory: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
