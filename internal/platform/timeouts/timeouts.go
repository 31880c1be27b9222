// Package timeouts holds the process-wide durations shared by the identity
// runtime and its operator tooling.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown bounds graceful shutdown of HTTP and gRPC servers.
const Shutdown = 5 * time.Second

// HealthCheck caps a single gRPC health Check call.
const HealthCheck = time.Second

// HealthProbe is how long operator probes wait for a server to report
// SERVING before giving up.
const HealthProbe = 5 * time.Second
