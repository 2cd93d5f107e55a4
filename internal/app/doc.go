// Package app provides the application service layer.
//
// Orchestrates the broker's inbound operations (connect, disconnect, heartbeat,
// subscribe, unsubscribe, publish, status) for authenticated callers and runs
// the cluster reaper. Sits between HTTP handlers and the broker core; enforces
// that callers only act on their own sessions and their own tenant.
package app
