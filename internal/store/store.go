// Package store provides keyed persistence for orchestration entities.
// Update serializes read-modify-write cycles per store, which is what the
// dispatcher and engine rely on for their counter invariants.
package store

import (
	"context"

	"sentinel-soar/internal/fault"
)

// Kind names an entity collection.
type Kind string

const (
	KindPlaybook   Kind = "playbook"
	KindExecution  Kind = "execution"
	KindResponse   Kind = "response"
	KindPolicy     Kind = "policy"
	KindViolation  Kind = "violation"
	KindCompliance Kind = "compliance"
)

// Store persists orchestration entities by kind and id.
//
// Update applies fn under the store's write lock: no other read or write
// observes the entity between fn's read and the commit of its return value.
// Returning an error from fn aborts the update and leaves the entity
// unchanged.
type Store interface {
	Get(ctx context.Context, kind Kind, id string) (any, error)
	Put(ctx context.Context, kind Kind, id string, value any) error
	List(ctx context.Context, kind Kind) ([]any, error)
	Update(ctx context.Context, kind Kind, id string, fn func(any) (any, error)) (any, error)
	Delete(ctx context.Context, kind Kind, id string) error
}

// NotFound builds the canonical not-found error for a kind and id.
func NotFound(kind Kind, id string) error {
	return fault.NewNotFound(string(kind), id)
}
