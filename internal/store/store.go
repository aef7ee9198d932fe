// Package store holds the interfaces the control loop consumes from the
// orchestration platform, plus the HTTP client implementation of both.
package store

import (
	"context"

	"github.com/edvin/egress/internal/model"
)

// PolicySource delivers policy declarations: a watch stream of per-namespace
// events and an on-demand full list for resync. Consumers must treat gaps and
// redelivery as safe; reconciliation is idempotent over the latest snapshot.
type PolicySource interface {
	// Watch returns a channel of events. The channel closes when the stream
	// breaks; the caller decides whether to reconnect.
	Watch(ctx context.Context) (<-chan model.PolicyEvent, error)
	// List returns every current declaration. A nil slice with nil error means
	// nothing changed since the previous List.
	List(ctx context.Context) ([]model.PolicyEvent, error)
}

// EnforcementStore is the write side: the dataplane object derived from a
// declaration. Apply replaces the namespace's object atomically; Delete of an
// absent object is a no-op.
type EnforcementStore interface {
	Apply(ctx context.Context, namespace string, spec *model.CompiledSpec) error
	Delete(ctx context.Context, namespace string) error
}
