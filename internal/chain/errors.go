package chain

import "errors"

var (
	// ErrAllEndpointsUnreachable is returned when the configured endpoint
	// and every fallback endpoint failed their liveness probes
	ErrAllEndpointsUnreachable = errors.New("all RPC endpoints unreachable")

	// ErrNoEndpoints is returned when the manager was configured with an
	// empty endpoint list
	ErrNoEndpoints = errors.New("no RPC endpoints configured")
)
