package iot

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Property describes one readable state value of a thing.
type Property struct {
	Description string `json:"description"`
	Type        string `json:"type"`
}

// Parameter describes one method argument.
type Parameter struct {
	Description string `json:"description"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
}

// Method describes one invokable capability.
type Method struct {
	Description string               `json:"description"`
	Parameters  map[string]Parameter `json:"parameters,omitempty"`
}

// Descriptor is the capability advertisement for one thing.
type Descriptor struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Methods     map[string]Method   `json:"methods,omitempty"`
}

// Thing is a controllable device exposed to the assistant.
type Thing interface {
	Name() string
	Descriptor() Descriptor
	// State returns the current property values.
	State() map[string]any
	// Invoke runs a method and returns its result.
	Invoke(method string, params json.RawMessage) (any, error)
}

// Registry holds all registered things and tracks the last reported
// state of each so only changes go back to the server.
type Registry struct {
	mu     sync.Mutex
	things map[string]Thing
	order  []string
	last   map[string]map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		things: make(map[string]Thing),
		last:   make(map[string]map[string]any),
	}
}

func (r *Registry) Register(t Thing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, dup := r.things[name]; dup {
		return fmt.Errorf("iot: thing %q already registered", name)
	}
	r.things[name] = t
	r.order = append(r.order, name)
	return nil
}

// Descriptors returns every capability advertisement in registration
// order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.things[name].Descriptor())
	}
	return out
}

// ChangedStates returns the states that differ from the last report
// and records them as reported. The first call returns everything.
func (r *Registry) ChangedStates() map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := make(map[string]map[string]any)
	for _, name := range r.order {
		state := r.things[name].State()
		if reflect.DeepEqual(state, r.last[name]) {
			continue
		}
		r.last[name] = state
		changed[name] = state
	}
	return changed
}

// ResetReported forgets the last reported states so the next
// ChangedStates call sends a full snapshot. Used after a channel
// reopen since the server side starts blank.
func (r *Registry) ResetReported() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = make(map[string]map[string]any)
}

// Invoke dispatches one command to the named thing.
func (r *Registry) Invoke(name, method string, params json.RawMessage) (any, error) {
	r.mu.Lock()
	thing, ok := r.things[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("iot: unknown thing %q", name)
	}
	return thing.Invoke(method, params)
}

// Names returns registered thing names sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out)
	return out
}
