// Package extsource resolves data-driven configuration for fetching and
// parsing measurement data from third-party HTTP APIs.
//
// Machines and their measurements are described by layered configuration
// records: a record may reference other records, override their fields,
// and template request and result fields with interpolation placeholders
// and processor chains. At resolution time the layers are merged, the
// placeholders filled in, and the outcome is a ready-to-execute
// transaction: an HTTP request plus the rules to turn its response into
// typed measurement values.
//
// # Quick Start
//
// Load configurations from a directory tree and fetch a measurement:
//
//	import (
//	    "context"
//	    "time"
//
//	    "github.com/machinelink/extsource/pkg/loader"
//	    "github.com/machinelink/extsource/pkg/manager"
//	)
//
//	dir, _ := loader.NewDirectory("./configurations")
//	m := manager.New(manager.Loaders{
//	    MachineConfiguration:       dir.MachineConfiguration,
//	    AuthorizationConfiguration: dir.AuthorizationConfiguration,
//	}, manager.Config{CacheTTL: 30 * time.Minute})
//
//	results, err := m.FetchResults(context.Background(), "mill-3",
//	    []time.Time{time.Now().UTC()})
//
// # Key Packages
//
//	pkg/settings - layered settings trees: merge, interpolation
//	pkg/process  - processor chains attached to settings values
//	pkg/config   - machine and authorization configurations, resolution
//	pkg/manager  - caches, sessions, and the fetch entry points
//	pkg/backend  - HTTP driver executing resolved requests
//	pkg/loader   - YAML configuration loading with ${VAR} substitution
//	pkg/cache    - TTL caches with semantic expiration
//	pkg/pool     - bounded concurrency for request fan-out
//	pkg/errors   - structured errors with configuration paths
package extsource
