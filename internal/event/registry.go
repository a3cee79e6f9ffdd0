package event

import "fmt"

// Registry is the set of events served. It is filled at startup and only
// read afterwards.
type Registry struct {
	binders []Binder
	names   map[string]bool
}

// NewRegistry returns a registry holding the given events. Event names must
// be unique.
func NewRegistry(binders ...Binder) (*Registry, error) {
	r := &Registry{names: make(map[string]bool, len(binders))}
	for _, b := range binders {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an event.
func (r *Registry) Register(b Binder) error {
	if b.Name == "" {
		return fmt.Errorf("event: register: empty event name")
	}
	if r.names[b.Name] {
		return fmt.Errorf("event: register: duplicate event %q", b.Name)
	}
	r.names[b.Name] = true
	r.binders = append(r.binders, b)
	return nil
}

// Has reports whether name is a registered event.
func (r *Registry) Has(name string) bool {
	return r.names[name]
}

// Names returns the registered event names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.binders))
	for i, b := range r.binders {
		names[i] = b.Name
	}
	return names
}

// Bind installs every event on s.
func (r *Registry) Bind(io Emitter, s Socket) {
	for _, b := range r.binders {
		b.Bind(io, s)
	}
}
