// ABOUTME: Package health probes backend services and publishes their status
// ABOUTME: The prober is the exclusive writer of the service registry

// Package health runs the periodic backend health check loop.
package health
