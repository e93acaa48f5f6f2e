// Package listener defines the servers run by capsule: the public file
// listener and the optional metrics listener.
package listener

import "context"

// Listener is a network server bound at construction time.
type Listener interface {
	// Addr is the bound address, which differs from the configured one
	// when port 0 was requested.
	Addr() string
	// Start serves until ctx is done.
	Start(ctx context.Context) error
	// Stop shuts the server down; calling it again is a no-op.
	Stop() error
	// Type names the listener in logs, e.g. "api" or "metrics".
	Type() string
}
