// Package core provides the fundamental abstractions shared by every layer
// of the SDK: the request/response envelopes, the transport contract the
// HTTP pipeline composes over, the error taxonomy, the configuration
// registry with source-attributed resolution, clock and jitter primitives,
// the logging interface, and the bounded-concurrency batch executor.
//
// Higher-level packages depend on core; core depends on nothing above it.
package core
