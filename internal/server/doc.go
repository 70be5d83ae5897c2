// Package server implements the core of the chat relay: the connection
// registry, the per-connection session state machine, and the delivery
// router that fans messages out to online chat participants.
//
// The implementation is organized into specialized files for configuration,
// the registry, envelopes, clients, sessions, routing, and HTTP handlers to
// keep the codebase maintainable and testable as the project grows.
package server
