// Package bus dispatches typed pipeline events to registered effects.
// Effects return the next event or nothing, so one external trigger produces
// a cascade of causally ordered stages. Failures stay failures: an effect
// error aborts its own branch only and is never encoded as an event.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Kind tags one event type. Every kind belongs to exactly one owning domain.
type Kind string

// Event is an immutable pipeline fact.
type Event interface {
	EventKind() Kind
}

// ErrCascadeDepth reports a cascade exceeding the configured depth bound.
// This is a configuration error (an accidental cycle), not a retriable
// failure.
var ErrCascadeDepth = errors.New("event cascade depth exceeded")

const DefaultMaxDepth = 8

// Effect is an async handler bound to one input kind. Built via On/OnIf/Sink
// so the output kind is fixed by the handler's signature at compile time.
type Effect struct {
	Name   string
	Domain string
	in     Kind
	out    Kind
	match  func(Event) bool
	fn     func(context.Context, Event) (Event, error)
}

// On builds an effect handling In events and owning the Out kind.
func On[In Event, Out Event](name, domain string, fn func(context.Context, In) (*Out, error)) Effect {
	return OnIf[In](name, domain, nil, fn)
}

// OnIf is On with a predicate filtering variants of the input kind.
func OnIf[In Event, Out Event](name, domain string, pred func(In) bool, fn func(context.Context, In) (*Out, error)) Effect {
	var zeroIn In
	var zeroOut Out
	return Effect{
		Name:   name,
		Domain: domain,
		in:     zeroIn.EventKind(),
		out:    zeroOut.EventKind(),
		match: func(ev Event) bool {
			if pred == nil {
				return true
			}
			in, ok := ev.(In)
			if !ok {
				return false
			}
			return pred(in)
		},
		fn: func(ctx context.Context, ev Event) (Event, error) {
			in, ok := ev.(In)
			if !ok {
				return nil, fmt.Errorf("effect %s: unexpected event %T", name, ev)
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return nil, nil
			}
			return *out, nil
		},
	}
}

// Sink builds a terminal effect that never emits a next event.
func Sink[In Event](name, domain string, fn func(context.Context, In) error) Effect {
	var zeroIn In
	return Effect{
		Name:   name,
		Domain: domain,
		in:     zeroIn.EventKind(),
		match:  func(Event) bool { return true },
		fn: func(ctx context.Context, ev Event) (Event, error) {
			in, ok := ev.(In)
			if !ok {
				return nil, fmt.Errorf("effect %s: unexpected event %T", name, ev)
			}
			return nil, fn(ctx, in)
		},
	}
}

type Bus struct {
	MaxDepth int
	Log      *zap.Logger

	mu      sync.RWMutex
	effects map[Kind][]Effect
	// one output kind per domain, one owning domain per kind
	domainOut map[string]Kind
	kindOwner map[Kind]string
	names     map[string]struct{}
}

func New() *Bus {
	return &Bus{
		MaxDepth:  DefaultMaxDepth,
		Log:       zap.NewNop(),
		effects:   make(map[Kind][]Effect),
		domainOut: make(map[string]Kind),
		kindOwner: make(map[Kind]string),
		names:     make(map[string]struct{}),
	}
}

// Register binds an effect. Domain ownership rules are enforced here, not at
// dispatch time: an effect may only emit its own domain's output kind, and a
// kind may belong to only one domain.
func (b *Bus) Register(e Effect) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Name == "" || e.Domain == "" {
		return errors.New("effect name and domain required")
	}
	if _, dup := b.names[e.Name]; dup {
		return fmt.Errorf("effect %s already registered", e.Name)
	}
	if e.out != "" {
		if out, ok := b.domainOut[e.Domain]; ok && out != e.out {
			return fmt.Errorf("domain %s already owns output kind %s; effect %s declares %s", e.Domain, out, e.Name, e.out)
		}
		if owner, ok := b.kindOwner[e.out]; ok && owner != e.Domain {
			return fmt.Errorf("kind %s already owned by domain %s", e.out, owner)
		}
		b.domainOut[e.Domain] = e.out
		b.kindOwner[e.out] = e.Domain
	}
	b.names[e.Name] = struct{}{}
	b.effects[e.in] = append(b.effects[e.in], e)
	return nil
}

// MustRegister panics on registration errors; wiring mistakes are programmer
// errors caught at startup.
func (b *Bus) MustRegister(e Effect) {
	if err := b.Register(e); err != nil {
		panic(err)
	}
}

// Dispatch invokes all effects matching the event. Independent matching
// effects run concurrently; each returned event is dispatched recursively. A
// branch error does not disturb sibling branches; all branch errors are
// joined into the returned error.
func (b *Bus) Dispatch(ctx context.Context, ev Event) error {
	return b.dispatch(ctx, ev, 0)
}

func (b *Bus) dispatch(ctx context.Context, ev Event, depth int) error {
	maxDepth := b.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if depth >= maxDepth {
		return fmt.Errorf("%w: kind %s at depth %d", ErrCascadeDepth, ev.EventKind(), depth)
	}

	b.mu.RLock()
	var matched []Effect
	for _, e := range b.effects[ev.EventKind()] {
		if e.match == nil || e.match(ev) {
			matched = append(matched, e)
		}
	}
	b.mu.RUnlock()
	if len(matched) == 0 {
		return nil
	}

	// Siblings are unordered and independently idempotent; run them all and
	// keep every branch's outcome.
	next := make([]Event, len(matched))
	errs := make([]error, len(matched))
	var wg sync.WaitGroup
	for i, e := range matched {
		wg.Add(1)
		go func(i int, e Effect) {
			defer wg.Done()
			out, err := e.fn(ctx, ev)
			if err != nil {
				errs[i] = fmt.Errorf("effect %s: %w", e.Name, err)
				b.Log.Warn("effect failed",
					zap.String("effect", e.Name),
					zap.String("kind", string(ev.EventKind())),
					zap.Error(err))
				return
			}
			next[i] = out
		}(i, e)
	}
	wg.Wait()

	// A child event is dispatched only after its parent handler returned, so
	// events within one cascade are causally ordered by construction.
	for i, child := range next {
		if child == nil {
			continue
		}
		if err := b.dispatch(ctx, child, depth+1); err != nil {
			errs[i] = errors.Join(errs[i], err)
		}
	}
	return errors.Join(errs...)
}
