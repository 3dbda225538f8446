package docstore

import (
	"context"
	"fmt"
)

// Operation names an access kind checked by Rules.
type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Caller is the identity a request is evaluated against.
type Caller struct {
	UID    string
	Claims map[string]any
}

// Authenticated reports whether the caller is signed in.
func (c Caller) Authenticated() bool {
	return c.UID != ""
}

// Admin reports whether the caller carries admin = true.
func (c Caller) Admin() bool {
	v, _ := c.Claims["admin"].(bool)
	return v
}

type callerKey struct{}

// WithCaller attaches the caller to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller in ctx; the zero Caller is anonymous.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// Request describes one access check. Data is the incoming document for
// creates and the changed fields for updates.
type Request struct {
	Op         Operation
	Collection string
	ID         string
	Caller     Caller
	Data       map[string]any
}

// Rules decides whether a request is allowed.
type Rules interface {
	Allow(req Request) bool
}

// RulesFunc adapts a function to Rules.
type RulesFunc func(req Request) bool

// Allow implements Rules.
func (f RulesFunc) Allow(req Request) bool { return f(req) }

// Guarded enforces Rules in front of another Store.
type Guarded struct {
	store Store
	rules Rules
}

// NewGuarded wraps store with rules.
func NewGuarded(store Store, rules Rules) *Guarded {
	return &Guarded{store: store, rules: rules}
}

func (g *Guarded) check(ctx context.Context, req Request) error {
	req.Caller = CallerFrom(ctx)
	if g.rules == nil || !g.rules.Allow(req) {
		return fmt.Errorf("%w: %s on %s", ErrPermissionDenied, req.Op, req.Collection)
	}
	return nil
}

// Insert implements Store.
func (g *Guarded) Insert(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := g.check(ctx, Request{Op: OpCreate, Collection: collection, Data: data}); err != nil {
		return "", err
	}
	return g.store.Insert(ctx, collection, data)
}

// Update implements Store.
func (g *Guarded) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := g.check(ctx, Request{Op: OpUpdate, Collection: collection, ID: id, Data: fields}); err != nil {
		return err
	}
	return g.store.Update(ctx, collection, id, fields)
}

// Delete implements Store.
func (g *Guarded) Delete(ctx context.Context, collection, id string) error {
	if err := g.check(ctx, Request{Op: OpDelete, Collection: collection, ID: id}); err != nil {
		return err
	}
	return g.store.Delete(ctx, collection, id)
}

// Subscribe implements Store.
func (g *Guarded) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := g.check(ctx, Request{Op: OpRead, Collection: q.Collection}); err != nil {
		return nil, err
	}
	return g.store.Subscribe(ctx, q)
}

var _ Store = (*Guarded)(nil)
