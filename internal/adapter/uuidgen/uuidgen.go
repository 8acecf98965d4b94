// Package uuidgen implements the identity port using google/uuid.
package uuidgen

import "github.com/google/uuid"

// Generator produces random UUIDv4 identifiers.
type Generator struct{}

// New creates a UUID-backed id generator.
func New() Generator { return Generator{} }

// NewID returns a new random UUID string.
func (Generator) NewID() string { return uuid.NewString() }
