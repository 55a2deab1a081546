// Package plugin defines the module API for YetiLink. Modules are composed
// at compile time and wired together through the Dependencies struct; they
// communicate at runtime over the event bus rather than calling each other
// directly.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// APIVersionCurrent is the plugin API version this build exposes. Modules
// declaring a different version are rejected at registration.
const APIVersionCurrent = 1

// PluginInfo describes a module to the registry.
type PluginInfo struct {
	Name         string
	Version      string
	Description  string
	Dependencies []string // Names of modules that must init before this one.
	APIVersion   int
}

// Plugin is the interface every YetiLink module implements.
type Plugin interface {
	// Info returns static metadata about the module.
	Info() PluginInfo

	// Init wires the module's dependencies. No background work yet.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins the module's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the module.
	Stop(ctx context.Context) error
}

// Dependencies carries the shared infrastructure handed to each module at
// Init time. Logger is pre-named with the module name.
type Dependencies struct {
	Logger *zap.Logger
	Config Config
	Bus    EventBus
	Store  Store
	Clock  Clock
}

// Clock abstracts the time source so liveness windows and retry deadlines
// are testable without sleeping.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now returns the function's current time.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return ClockFunc(time.Now) }

// Config exposes read access to the module's configuration subtree.
type Config interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	IsSet(key string) bool
	Sub(key string) Config
}

// Event is a message published on the bus.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// EventHandler processes a single event. Handlers run synchronously on
// Publish; they must not block for long.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the in-process pub/sub backbone between modules.
type EventBus interface {
	// Publish delivers the event to all matching subscribers synchronously.
	Publish(ctx context.Context, event Event) error

	// PublishAsync delivers the event on a separate goroutine.
	PublishAsync(ctx context.Context, event Event)

	// Subscribe registers a handler for an exact topic. The returned
	// function removes the subscription.
	Subscribe(topic string, handler EventHandler) func()

	// SubscribeAll registers a handler for every topic.
	SubscribeAll(handler EventHandler) func()
}

// Subscription declares an event subscription a module wants installed at
// start time.
type Subscription struct {
	Topic   string
	Handler EventHandler
}

// Migration is a single schema change owned by a module.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Store provides shared SQLite persistence with per-module migrations.
type Store interface {
	// DB returns the underlying database handle.
	DB() *sql.DB

	// Migrate applies the module's pending migrations in version order.
	Migrate(ctx context.Context, moduleName string, migrations []Migration) error

	// Tx runs fn inside a transaction, committing on nil error.
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Route is an HTTP route exposed by a module, mounted under
// /api/v1/{module}{path}.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HealthStatus reports a module's health.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}
