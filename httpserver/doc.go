// Package httpserver runs the HTTP front of the broker and key-server binaries.
//
// A Server mounts any number of route registrars on a chi router behind the
// structured request logger, and adds the operational endpoints:
//
//   - GET /livez   liveness
//   - GET /readyz  readiness, 503 while draining
//   - GET /drain   mark not ready ahead of shutdown
//   - GET /undrain mark ready again
//   - /debug/*     pprof, when enabled
//
// Prometheus metrics are served on a separate address.
package httpserver
