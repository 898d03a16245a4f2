// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// InstanceID returns configured when set, otherwise a fresh UUID7 naming this
// process for processing claims.
func (g Generator) InstanceID(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return g.NewID()
}
