package config

import (
	"context"

	"github.com/machinelink/extsource/pkg/backend"
	"github.com/machinelink/extsource/pkg/pool"
)

// Session supplies everything reference resolution and fetching need:
// cached configuration lookup, authenticated contexts, the outbound
// backend driver, and the shared concurrency pool.
type Session interface {
	// MachineConfiguration returns the machine configuration with the
	// given id, loading and caching it on first use.
	MachineConfiguration(ctx context.Context, id string) (*MachineConfiguration, error)

	// AuthorizationConfiguration returns the authorization configuration
	// with the given id.
	AuthorizationConfiguration(ctx context.Context, id string) (*AuthorizationConfiguration, error)

	// AuthorizationContext returns the authenticated context for the
	// given authorization configuration id, running its authentication
	// transaction when no valid cached context exists.
	AuthorizationContext(ctx context.Context, id string) (AuthorizationContext, error)

	// Backend executes outbound requests.
	Backend() backend.Driver

	// Pool bounds the concurrent fan-out over measurements and request
	// windows.
	Pool() *pool.Pool
}
