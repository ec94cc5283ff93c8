package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy declares the backend fallback chain. Keeping the order in config
// (rather than scattered conditionals) makes the degradation path a
// testable, first-class setting.
type Policy struct {
	// Order lists driver names to try, first to last. The virtual driver
	// should normally be last so a create request degrades instead of
	// failing outright.
	Order []string `yaml:"order"`
	// MaxOrchestrated is a soft cap on concurrent orchestrated bindings.
	// Hitting it skips to the next driver; it is not an error.
	MaxOrchestrated int `yaml:"max_orchestrated"`
}

// DefaultPolicy tries the orchestrated substrates first, then the local
// process, then the virtual fallback.
func DefaultPolicy() Policy {
	return Policy{
		Order:           []string{"kubernetes", "docker", "local", "virtual"},
		MaxOrchestrated: 20,
	}
}

// LoadPolicy reads a policy YAML file. A missing path returns the default
// policy; a malformed file is an error so a typo cannot silently reorder
// the fallback chain.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("read backend policy: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse backend policy: %w", err)
	}
	if len(p.Order) == 0 {
		p.Order = DefaultPolicy().Order
	}
	return p, nil
}

// ErrAllBackendsFailed means even the virtual fallback could not provision.
// This should effectively never happen and is logged at high severity.
var ErrAllBackendsFailed = errors.New("all execution backends failed to provision")

// OrchestratedCount reports how many orchestrated bindings are currently
// active; supplied by the session layer so the selector can enforce the
// soft capacity limit without reaching into the registry.
type OrchestratedCount func() int

// Selector owns the registered backends and implements the provision-time
// fallback chain.
type Selector struct {
	mu       sync.RWMutex
	backends map[string]Backend
	policy   Policy
	inUse    OrchestratedCount
}

func NewSelector(policy Policy, inUse OrchestratedCount) *Selector {
	if inUse == nil {
		inUse = func() int { return 0 }
	}
	return &Selector{
		backends: make(map[string]Backend),
		policy:   policy,
		inUse:    inUse,
	}
}

// Register adds a backend and initializes it. Initialization failure makes
// the backend unavailable but is not fatal; the fallback chain skips it.
func (s *Selector) Register(ctx context.Context, b Backend) {
	if err := b.Initialize(ctx); err != nil {
		log.Printf("Backend %s unavailable: %v", b.Name(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[b.Name()] = b
}

// Get returns a backend by driver name.
func (s *Selector) Get(name string) (Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[name]
	return b, ok
}

// ForBinding returns the backend that owns a binding.
func (s *Selector) ForBinding(binding *Binding) (Backend, error) {
	if binding == nil {
		return nil, fmt.Errorf("nil binding")
	}
	b, ok := s.Get(binding.Driver)
	if !ok {
		return nil, fmt.Errorf("no backend registered for driver %q", binding.Driver)
	}
	return b, nil
}

// Provision walks the policy order until a backend accepts the session.
// Capacity-skips and per-backend failures are normal, logged conditions;
// only exhausting the whole chain (virtual included) is an error.
func (s *Selector) Provision(ctx context.Context, spec ProvisionSpec) (Backend, *Binding, error) {
	var lastErr error

	for _, name := range s.policy.Order {
		b, ok := s.Get(name)
		if !ok {
			continue
		}
		if !b.Available(ctx) {
			continue
		}
		if b.Kind() == KindOrchestrated && s.policy.MaxOrchestrated > 0 && s.inUse() >= s.policy.MaxOrchestrated {
			log.Printf("Backend %s at capacity (%d orchestrated sessions), falling back", name, s.policy.MaxOrchestrated)
			continue
		}

		binding, err := b.Provision(ctx, spec)
		if err != nil {
			log.Printf("Backend %s provision failed for %s: %v", name, spec.SessionID, err)
			lastErr = err
			continue
		}
		return b, binding, nil
	}

	if lastErr != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
	}
	return nil, nil, ErrAllBackendsFailed
}

// marshal for the settings endpoint / logs
func (p Policy) String() string {
	out, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p.Order)
	}
	return string(out)
}
