package strata

import (
	"log/slog"

	"github.com/xraph/strata/backend"
	"github.com/xraph/strata/backend/memory"
	"github.com/xraph/strata/hook"
)

// Transaction modes and durability hints, re-exported from the backend
// contract so callers depend on one package.
const (
	ReadOnly      = backend.ReadOnly
	ReadWrite     = backend.ReadWrite
	VersionChange = backend.VersionChange

	DurabilityDefault = backend.DurabilityDefault
	DurabilityRelaxed = backend.DurabilityRelaxed
	DurabilityStrict  = backend.DurabilityStrict
)

// Cursor directions, re-exported from the backend contract.
const (
	Next       = backend.Next
	NextUnique = backend.NextUnique
	Prev       = backend.Prev
	PrevUnique = backend.PrevUnique
)

// Option configures a Factory.
type Option func(*Factory) error

// New creates a Factory. Without WithDriver it runs on the in-memory
// backend.
func New(opts ...Option) (*Factory, error) {
	f := &Factory{
		logger:  slog.Default(),
		conns:   make(map[string][]*Database),
		scheds:  make(map[string]*scheduler),
		waiters: make(map[string][]*blockedWait),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if f.driver == nil {
		f.driver = memory.New()
	}
	if sw, ok := f.driver.(backend.SingleWriter); ok && sw.SingleWriter() {
		f.serializeWriters = true
	}
	if f.hooks != nil {
		f.hooks.SetLogger(f.logger)
	}
	f.loop = newLoop()
	return f, nil
}

// WithDriver sets the storage driver.
func WithDriver(d backend.Driver) Option {
	return func(f *Factory) error {
		f.driver = d
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) error {
		f.logger = l
		return nil
	}
}

// WithHook registers a lifecycle hook. Hooks implement any subset of
// the hook package's opt-in interfaces; they run in registration order
// off the engine lock, and their errors and panics are logged, never
// propagated.
func WithHook(h hook.Hook) Option {
	return func(f *Factory) error {
		if f.hooks == nil {
			f.hooks = hook.NewRegistry(f.logger)
		}
		f.hooks.Register(h)
		return nil
	}
}

// OpenOption configures Factory.Open.
type OpenOption func(*openConfig)

type openConfig struct {
	upgrade UpgradeFunc
}

// WithUpgrade supplies the upgrade callback invoked when the requested
// version is above the stored version.
func WithUpgrade(fn UpgradeFunc) OpenOption {
	return func(c *openConfig) { c.upgrade = fn }
}
