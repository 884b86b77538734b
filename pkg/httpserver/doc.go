// Package httpserver runs an http.Server until its context is cancelled and
// then shuts it down gracefully. HealthCheckHandler serves liveness and
// readiness probes.
package httpserver
