// Package checksum defines the port for state integrity checksums.
package checksum

// Summer computes a fixed-width checksum over a serialized state. The digest
// detects accidental corruption only; it is not tamper evidence.
type Summer interface {
	Sum(data []byte) string
}
