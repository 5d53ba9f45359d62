// Package gateway composes the kilo-gateway process.
//
// # Overview
//
// The Gateway owns every long-lived component: the service registry, the
// connection manager (proxy), the health prober, the optional fleet controller,
// the alert log and its notifier, the admin surface, and the SQLite store. New
// wires them together; Run serves HTTP and the background loops until the
// context is canceled.
//
// # Request Path
//
// Dispatcher is the root handler:
//
//  1. Assign or propagate X-Request-ID.
//  2. Match the escaped path against the route table.
//  3. Serve in-process endpoints (/health, /status, /health/ready, /metrics,
//     /admin/..., /api/admin/..., /api/agent/notify) directly.
//  4. Refuse services the prober has seen unhealthy for longer than the grace
//     period with 503 and Retry-After.
//  5. Forward everything else through the connection manager.
//
// Routing and transport errors become RFC 7807 problem responses: malformed
// path 400, unknown service 404, unreachable 502, timeout 504, open breaker 503.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Canceling the context shuts down in order: HTTP drain, background loops,
// connection manager drain, notifier and alert log, tailnet node, store.
//
// # Key Files
//
//   - gateway.go: construction, listeners, Run/Shutdown
//   - dispatch.go: routing, health gating, error mapping, access log
//   - handlers.go: liveness, readiness, notification relay
package gateway
