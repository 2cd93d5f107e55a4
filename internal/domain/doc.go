// Package domain defines the broker's core types and the contracts of its collaborators.
//
// Files are concept-oriented (session.go, channel.go, message.go, device.go, ...).
// No implementation code lives here; adapters and the broker depend on these
// contracts, never on each other.
package domain
