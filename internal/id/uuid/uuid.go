// Package uuid generates run IDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered run IDs from UUID v7 values, so IDs from
// later runs sort after earlier ones.
type Generator struct {
	prefix string
}

// New creates a Generator. prefix, if set, is prepended to every ID.
func New(prefix string) Generator {
	return Generator{prefix: prefix}
}

// NewID returns prefix + a UUID v7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
