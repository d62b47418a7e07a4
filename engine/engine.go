// Package engine is the surface the picking application calls. It ties the
// cache, the outbox and the sync reconciler together and publishes what
// happens on an event bus.
package engine

import (
	"context"
	"errors"

	"pickedge/backend"
	"pickedge/cache"
	"pickedge/config"
	"pickedge/lease"
	"pickedge/messaging"
	"pickedge/metrics"
	"pickedge/outbox"
	"pickedge/store"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

var (
	// ErrUnknownOperation is returned when confirming an operation never cached on this device.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidQuantity is returned for negative confirmed quantities.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrZoneNotFound is returned when a zone is neither reachable upstream nor cached.
	ErrZoneNotFound = errors.New("zone not found")
	// ErrNoTransport is returned when a sync is requested without a configured transport.
	ErrNoTransport = errors.New("no sync transport configured")
)

// ZoneSource supplies zone data while the device is online.
type ZoneSource interface {
	FetchZone(ctx context.Context, batchID int64, zoneID string) (*backend.Zone, error)
}

// Engine centralizes the device's offline logic.
type Engine struct {
	cfg        *config.Config
	configPath string
	db         *store.DB
	logFn      LogFunc
	debugFn    LogFunc

	cache     *cache.Manager
	queue     *outbox.Queue
	source    ZoneSource
	transport messaging.Transport
	lease     lease.Lease
	metrics   *metrics.Metrics
	drainer   *messaging.Drainer

	Events   *EventBus
	stopChan chan struct{}
}

// Config holds the parameters needed to create an Engine. A nil DB puts the
// engine in online-only mode.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	DB         *store.DB
	Source     ZoneSource
	Transport  messaging.Transport
	Lease      lease.Lease
	Metrics    *metrics.Metrics
	LogFunc    LogFunc
	Debug      bool
}

// New creates a new Engine. Call Start() to wire events and start the drainer.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	debugFn := LogFunc(func(string, ...interface{}) {})
	if c.Debug {
		debugFn = logFn
	}
	appCfg := c.AppConfig
	if appCfg == nil {
		appCfg = config.Defaults()
	}
	e := &Engine{
		cfg:        appCfg,
		configPath: c.ConfigPath,
		db:         c.DB,
		logFn:      logFn,
		debugFn:    debugFn,
		source:     c.Source,
		transport:  c.Transport,
		lease:      c.Lease,
		metrics:    c.Metrics,
		Events:     NewEventBus(),
		stopChan:   make(chan struct{}),
	}
	if c.DB != nil {
		e.cache = cache.NewManager(c.DB)
		e.queue = outbox.NewQueue(c.DB)
		if c.Transport != nil {
			e.drainer = messaging.NewDrainer(e.queue, c.Transport, &appCfg.Outbox)
			e.drainer.SetLease(c.Lease)
			e.drainer.SetEmitter(&syncEmitter{bus: e.Events})
		}
	}
	return e
}

// Start wires event handlers and starts the drain loop.
func (e *Engine) Start() {
	e.wireEventHandlers()

	if !e.OfflineEnabled() {
		e.logFn("Engine started in online-only mode: local storage unavailable, confirmations are not queued")
		return
	}
	if e.drainer != nil {
		e.drainer.Start()
	}
	e.logFn("Engine started: station=%s driver=%s sync=%v", e.cfg.StationID(), e.db.Driver(), e.drainer != nil)
}

// Stop shuts down the drain loop.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	if e.drainer != nil {
		e.drainer.Stop()
	}
	e.logFn("Engine stopped")
}

// OfflineEnabled reports whether a local store is available. When false the
// application must warn the operator that the device needs connectivity.
func (e *Engine) OfflineEnabled() bool { return e.db != nil }

// DB returns the database handle, nil in online-only mode.
func (e *Engine) DB() *store.DB { return e.db }

// AppConfig returns the app config.
func (e *Engine) AppConfig() *config.Config { return e.cfg }

// ConfigPath returns the config file path.
func (e *Engine) ConfigPath() string { return e.configPath }

// Cache returns the cache manager, nil in online-only mode.
func (e *Engine) Cache() *cache.Manager { return e.cache }

// Drainer returns the sync reconciler, nil when no transport is configured.
func (e *Engine) Drainer() *messaging.Drainer { return e.drainer }

// Metrics returns the metrics collector, nil when none was configured.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// TransportState reports the breaker state of the sync transport, "none"
// without a transport and "direct" when it is not breaker-wrapped.
func (e *Engine) TransportState() string {
	if e.transport == nil {
		return "none"
	}
	if s, ok := e.transport.(interface{ State() string }); ok {
		return s.State()
	}
	return "direct"
}

func (e *Engine) requireStore() error {
	if e.db == nil {
		return store.ErrStorageUnavailable
	}
	return nil
}
