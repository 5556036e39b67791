// Package observability provides structured logging and Prometheus metrics
// for the inference gateway.
//
// This package implements:
//   - zap logger construction from level/format settings
//   - Prometheus collectors for requests, provider attempts, tokens,
//     circuit breaker state and bulkhead occupancy
//
// Collectors are registered on an injected prometheus.Registerer rather
// than the global default so tests can use isolated registries.
package observability
