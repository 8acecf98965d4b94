// Package identity defines the port for id generation, injected so tests can
// supply deterministic ids.
package identity

// Generator produces unique identifiers for messages, snapshots, and alerts.
type Generator interface {
	NewID() string
}
