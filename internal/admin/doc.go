// Package admin serves the authenticated operator surface of the gateway.
//
// # Endpoints
//
// Every route is mounted under /admin and again under /api/admin for
// frontends that can only reach the gateway through /api.
//
// Reads:
//
//   - GET /admin/status - aggregate health plus one boolean per service and alias
//   - GET /admin/services - per-service probe detail
//   - GET /admin/services/{name}/metrics - raw Prometheus exposition of one backend
//   - GET /admin/metrics/summary - circuit-breaker metrics scraped from backends
//   - GET /admin/k8s/pods, /admin/k8s/nodes, /admin/k8s/cronjobs - fleet snapshot
//   - GET /admin/alerts - newest alerts first
//   - GET /admin/audit - corrective action and token audit log
//   - GET /admin/tokens - issued admin tokens (never the plaintext)
//
// Writes:
//
//   - POST /admin/k8s/pods/{name}/restart
//   - DELETE /admin/k8s/pods/{name}?force=true
//   - POST /admin/k8s/deployments/{name}/scale with {"replicas": N}
//   - POST /admin/tokens - issue a token; the first one needs no credential
//   - POST /admin/tokens/{id}/revoke
//   - POST /admin/validate - check a credential
//
// # Authentication
//
// Credentials are read from X-Admin-Token or Authorization: Bearer and checked
// by an auth.Authenticator chain. All routes are rate limited per client IP.
package admin
