// Package manager ties the pieces together: it owns the configuration
// caches, the backend driver, and the concurrency pool, and hands out
// sessions through which measurement data is resolved and fetched.
package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/machinelink/extsource/pkg/backend"
	"github.com/machinelink/extsource/pkg/cache"
	"github.com/machinelink/extsource/pkg/config"
	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/pool"
)

// Loaders supply configuration records by id, typically from files or a
// configuration service. Loaded records are cached; a loader is only
// invoked on cache misses.
type Loaders struct {
	MachineConfiguration       cache.Loader[*config.MachineConfiguration]
	AuthorizationConfiguration cache.Loader[*config.AuthorizationConfiguration]
}

// Config carries the manager's tunables. Zero values select defaults.
type Config struct {
	// Backend executes outbound requests. Defaults to an HTTP driver
	// with default retry settings.
	Backend backend.Driver

	// CacheTTL is the base expiration of cached configurations and
	// authorization contexts.
	CacheTTL time.Duration

	// PoolWidth bounds the concurrent fan-out over measurements and
	// request windows.
	PoolWidth int

	Logger *zap.Logger
}

// Manager owns the shared state of one external-source deployment.
type Manager struct {
	backend backend.Driver
	pool    *pool.Pool
	logger  *zap.Logger

	machines     *cache.Cache[*config.MachineConfiguration]
	authConfigs  *cache.Cache[*config.AuthorizationConfiguration]
	authContexts *cache.Cache[config.AuthorizationContext]
}

// New creates a manager from the given loaders and configuration.
func New(loaders Loaders, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Backend == nil {
		cfg.Backend = backend.NewHTTPDriver(backend.DefaultHTTPConfig(), cfg.Logger)
	}

	m := &Manager{
		backend: cfg.Backend,
		pool:    pool.New(cfg.PoolWidth),
		logger:  cfg.Logger,
	}

	m.machines = cache.New("machine configuration", cfg.CacheTTL,
		guardLoader("machine configuration", loaders.MachineConfiguration),
		cache.WithLogger[*config.MachineConfiguration](cfg.Logger))
	m.authConfigs = cache.New("authorization configuration", cfg.CacheTTL,
		guardLoader("authorization configuration", loaders.AuthorizationConfiguration),
		cache.WithLogger[*config.AuthorizationConfiguration](cfg.Logger))
	m.authContexts = cache.New("authorization context", cfg.CacheTTL,
		m.authenticate,
		cache.WithExpiry[config.AuthorizationContext](config.ContextExpired),
		cache.WithLogger[config.AuthorizationContext](cfg.Logger))

	return m
}

func guardLoader[V any](kind string, loader cache.Loader[V]) cache.Loader[V] {
	if loader != nil {
		return loader
	}
	return func(ctx context.Context, id string) (V, error) {
		var zero V
		return zero, errors.Newf(errors.ErrorTypeLoad,
			"no %s loader configured", kind)
	}
}

// authenticate is the loader behind the authorization context cache: it
// runs the authentication transaction of the given authorization
// configuration.
func (m *Manager) authenticate(ctx context.Context, id string) (config.AuthorizationContext, error) {
	ses := m.Session()
	cfg, err := ses.AuthorizationConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("authenticating", zap.String("authorization_configuration_id", id))
	return cfg.Authenticate(ctx, ses)
}

// Session returns a session sharing the manager's caches, backend, and
// pool. Sessions are cheap handles and safe for concurrent use.
func (m *Manager) Session() *Session {
	return &Session{manager: m}
}

// ClearCache drops every cached configuration and authorization
// context.
func (m *Manager) ClearCache() {
	m.machines.Clear()
	m.authConfigs.Clear()
	m.authContexts.Clear()
	m.logger.Info("caches cleared")
}

// Resolve produces the ready-to-execute transactions for every
// measurement of the given machine.
func (m *Manager) Resolve(
	ctx context.Context, machineID string, window *config.Window,
) (map[string]*config.ResolvedTransaction, error) {
	ses := m.Session()
	machine, err := ses.MachineConfiguration(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return machine.Resolve(ctx, ses, window)
}

// FetchResults fetches every measurement of the given machine for the
// given timestamps.
func (m *Manager) FetchResults(
	ctx context.Context, machineID string, timestamps []time.Time,
) (*config.Results, error) {
	ses := m.Session()
	machine, err := ses.MachineConfiguration(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return machine.FetchResults(ctx, ses, timestamps)
}

// Session implements config.Session on top of a manager's shared state.
type Session struct {
	manager *Manager
}

func (s *Session) MachineConfiguration(ctx context.Context, id string) (*config.MachineConfiguration, error) {
	return s.manager.machines.Get(ctx, id)
}

func (s *Session) AuthorizationConfiguration(ctx context.Context, id string) (*config.AuthorizationConfiguration, error) {
	return s.manager.authConfigs.Get(ctx, id)
}

func (s *Session) AuthorizationContext(ctx context.Context, id string) (config.AuthorizationContext, error) {
	return s.manager.authContexts.Get(ctx, id)
}

func (s *Session) Backend() backend.Driver {
	return s.manager.backend
}

func (s *Session) Pool() *pool.Pool {
	return s.manager.pool
}

var _ config.Session = (*Session)(nil)
