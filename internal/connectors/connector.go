// Package connectors defines the contract every protocol-specific connector
// implements, plus the self-registering factory registry that the
// orchestrator uses to instantiate one by name.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mpraes/single-node-dw/internal/contract"
)

// ErrNotConnected and ErrEmptyQuery are the sentinel failures every
// connector's Fetch rejects before doing any work: a call made before
// Connect succeeded, and a call with no query on a connector for which
// the query argument carries mandatory statement text rather than an
// optional filter or path with a sensible empty-means-everything default.
var (
	ErrNotConnected = errors.New("not connected")
	ErrEmptyQuery   = errors.New("empty query")
)

// RequireConnected rejects a Fetch call made before Connect succeeded.
// connected is the connector's own "do I have a live handle" check,
// typically a non-nil pool, client, or session field.
func RequireConnected(connected bool) error {
	if !connected {
		return ErrNotConnected
	}
	return nil
}

// RequireQuery rejects a Fetch call with no query, for connectors whose
// query argument is mandatory statement text (SQL, Cypher, CQL) rather
// than an optional filter, path, or topic override.
func RequireQuery(query string) error {
	if query == "" {
		return ErrEmptyQuery
	}
	return nil
}

// Connector is the contract every data source implements. A Connector is
// created through a Factory, Connect-ed once, Fetch-ed one or more times,
// and Close-d when the caller is done with it.
type Connector interface {
	// Connect establishes whatever underlying handle the connector needs
	// (a socket, a pooled connection, an authenticated client). It must be
	// safe to call Fetch only after Connect returns nil.
	Connect(ctx context.Context) error

	// Fetch executes query against the connected source and returns the
	// ingested items. query is connector-specific: SQL text for SQL
	// connectors, a collection/filter expression for NoSQL connectors, a
	// path or URL for file connectors, and so on.
	Fetch(ctx context.Context, query string) (contract.IngestionResult, error)

	// Close releases the underlying handle. Close must be safe to call
	// even if Connect was never called or already failed.
	Close() error
}

// Factory constructs a new, unconnected Connector from a configuration map.
// Config keys are connector-specific; see each connector package for the
// keys it recognizes.
type Factory func(config map[string]any) (Connector, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register binds a connector type name to the factory that builds it. It is
// intended to be called from a connector package's init function, mirroring
// the self-registration idiom used by database/sql drivers: importing the
// package for its side effects makes the connector available by name.
//
// Register panics on a duplicate name, since that indicates two connector
// packages were compiled in under the same name, which is a build-time
// mistake rather than a runtime condition to recover from.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("connectors: factory already registered for %q", name))
	}
	factories[name] = factory
}

// New builds a Connector of the named type from config. It returns an error
// if no factory was registered under that name, which typically means the
// connector package was never imported.
func New(name string, config map[string]any) (Connector, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connectors: no factory registered for %q", name)
	}
	return factory(config)
}

// Registered returns the names of all currently registered connector types,
// sorted for deterministic output in CLI help text and diagnostics.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
