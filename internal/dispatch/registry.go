package dispatch

import (
	"context"
	"fmt"
	"time"

	"marketflow/internal/domain"
)

// Handler is the opaque collaborator contract: execute the payload and say
// what happened. Handlers never touch job rows directly.
type Handler interface {
	Execute(ctx context.Context, payload []byte) domain.Result
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) domain.Result

func (f HandlerFunc) Execute(ctx context.Context, payload []byte) domain.Result {
	return f(ctx, payload)
}

// Registration binds a handler to its retry policy. MaxAttempts and the
// backoff base are declared per handler type, not per job.
type Registration struct {
	Handler     Handler
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
}

// Registry maps a job's declared handler type to its registration. Purely a
// lookup table; populated once at startup.
type Registry struct {
	m map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Registration)}
}

func (r *Registry) Register(handlerType string, reg Registration) error {
	if reg.Handler == nil {
		return fmt.Errorf("register %s: nil handler", handlerType)
	}
	if _, dup := r.m[handlerType]; dup {
		return fmt.Errorf("register %s: already registered", handlerType)
	}
	if reg.MaxAttempts <= 0 {
		reg.MaxAttempts = 3
	}
	if reg.BackoffBase <= 0 {
		reg.BackoffBase = time.Second
	}
	r.m[handlerType] = reg
	return nil
}

func (r *Registry) Lookup(handlerType string) (Registration, bool) {
	reg, ok := r.m[handlerType]
	return reg, ok
}

// MaxAttemptsFor returns the declared attempt budget for a handler type,
// falling back to the engine default for unknown types.
func (r *Registry) MaxAttemptsFor(handlerType string) int {
	if reg, ok := r.m[handlerType]; ok {
		return reg.MaxAttempts
	}
	return 3
}
