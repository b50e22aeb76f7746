package adapter

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds registered adapters keyed by channel type and exposes
// capability-probe accessors for the optional interfaces. Adapters do
// not read or write runtime state; the registry is the only coupling
// point between the runtime and platform code.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Channel]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[Channel]Adapter{}}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannel(a.ChannelType().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = a
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(a Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Unregister removes a channel type from the registry.
func (r *Registry) Unregister(ct Channel) bool {
	key := normalizeChannel(ct.String())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[key]; !exists {
		return false
	}
	delete(r.adapters, key)
	return true
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(ct Channel) (Adapter, bool) {
	key := normalizeChannel(ct.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	return a, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Channel, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// GetCapabilities returns the declared capability set.
func (r *Registry) GetCapabilities(ct Channel) (CapabilitySet, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	return a.Capabilities(), true
}

// GetTransformer returns the IncomingTransformer, or false if unsupported.
func (r *Registry) GetTransformer(ct Channel) (IncomingTransformer, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	t, ok := a.(IncomingTransformer)
	return t, ok
}

// GetVerifier returns the WebhookVerifier, or false if unsupported.
func (r *Registry) GetVerifier(ct Channel) (WebhookVerifier, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	v, ok := a.(WebhookVerifier)
	return v, ok
}

// GetEventParser returns the EventParser, or false if unsupported.
func (r *Registry) GetEventParser(ct Channel) (EventParser, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	p, ok := a.(EventParser)
	return p, ok
}

// GetResponseFormatter returns the ResponseFormatter, or false if unsupported.
func (r *Registry) GetResponseFormatter(ct Channel) (ResponseFormatter, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	f, ok := a.(ResponseFormatter)
	return f, ok
}

// GetSender returns the MessageSender, or false if unsupported.
func (r *Registry) GetSender(ct Channel) (MessageSender, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	s, ok := a.(MessageSender)
	return s, ok
}

// GetEditor returns the MessageEditor, or false if unsupported.
func (r *Registry) GetEditor(ct Channel) (MessageEditor, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	e, ok := a.(MessageEditor)
	return e, ok
}

// GetMediaSender returns the MediaSender, or false if unsupported.
func (r *Registry) GetMediaSender(ct Channel) (MediaSender, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	s, ok := a.(MediaSender)
	return s, ok
}

// GetMediaEditor returns the MediaEditor, or false if unsupported.
func (r *Registry) GetMediaEditor(ct Channel) (MediaEditor, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	e, ok := a.(MediaEditor)
	return e, ok
}

// GetMentionParser returns the MentionParser, or false if unsupported.
func (r *Registry) GetMentionParser(ct Channel) (MentionParser, bool) {
	a, ok := r.Get(ct)
	if !ok {
		return nil, false
	}
	p, ok := a.(MentionParser)
	return p, ok
}

// ListenerSpecs returns the adapter's listener child specs, or nil when
// the adapter declares none.
func (r *Registry) ListenerSpecs(ct Channel) []ListenerSpec {
	a, ok := r.Get(ct)
	if !ok {
		return nil
	}
	provider, ok := a.(ListenerProvider)
	if !ok {
		return nil
	}
	return provider.ListenerChildSpecs()
}

func normalizeChannel(raw string) Channel {
	return Channel(strings.ToLower(strings.TrimSpace(raw)))
}
