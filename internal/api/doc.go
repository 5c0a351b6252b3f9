// Package api exposes the oracle over HTTP: the agent's /submit endpoint,
// free and payment-gated interpretation routes, reading history, health and
// Prometheus metrics.
package api
