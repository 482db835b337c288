// ABOUTME: Package documentation for the bridge server
// ABOUTME: Downstream HTTP/WebSocket surface fanning out gateway session events

// Package bridge is the downstream-facing server. Each WebSocket subscriber
// on /ws gets its own upstream gateway connection, reconciler, and poll
// timer, torn down with the subscriber. The REST surface persists the kanban
// board that mirrors gateway sessions and republishes board mutations on a
// local event bus.
package bridge
