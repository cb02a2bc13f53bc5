// Package httpserver runs the KEK service listeners: the API server with
// liveness, readiness and drain endpoints for rolling deploys, and a
// separate Prometheus metrics listener.
package httpserver
