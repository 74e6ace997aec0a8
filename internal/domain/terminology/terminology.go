// Package terminology resolves concept codes to display names and
// hierarchy paths. Resolvers back onto the concept dimension table, a
// remote terminology service, or a cache in front of either.
package terminology

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a code has no concept.
var ErrNotFound = errors.New("terminology: concept not found")

// Concept is a resolved terminology entry.
type Concept struct {
	Code    string `json:"code"`
	Display string `json:"display"`
	Path    string `json:"path,omitempty"`
}

// Resolver looks up a concept by its code.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*Concept, error)
}
