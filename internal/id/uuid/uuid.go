// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings for queue task IDs. Version 7 IDs sort by
// creation time, which keeps the task table's primary key index append-only.
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

// WorkerID returns a random identity for a queue consumer, prefixed with name.
func (Generator) WorkerID(name string) string {
	return fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
}
