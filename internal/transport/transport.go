// Package transport contains the three wire adapters (stdio, streamable
// HTTP with SSE, AMQP) that feed the protocol engine. All adapters share
// the same contract: the engine drives Start exactly once, adapters own
// their I/O loops, resolve sessions through the session manager on every
// message, and call Engine.Dispatch from a per-request goroutine so a slow
// tool call never blocks the wire.
package transport

import (
	"context"

	"opendiscovery/internal/engine"
)

// Transport is the contract every adapter implements.
type Transport interface {
	// Name identifies the adapter in logs and session records.
	Name() string
	// Start launches the adapter's I/O loop. It is idempotent and must not
	// require any prior setup call.
	Start(ctx context.Context) error
	// Close drains in-flight work and releases the adapter's resources.
	Close() error
}

// Connect starts a transport for the engine. The engine owns the call;
// adapters never rely on callers pre-starting them.
func Connect(ctx context.Context, _ *engine.Engine, t Transport) error {
	return t.Start(ctx)
}
