package datasource

import "context"

// PoolConnector is the lifecycle half of a Handle: liveness of the native
// pool or client, and its teardown on dispose.
type PoolConnector interface {
	Ping(ctx context.Context) error
	// Close releases the pool or client and anything registered to close
	// with it, such as a tunnel.
	Close() error
}
