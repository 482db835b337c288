// Package gateway implements the client side of the upstream gateway
// protocol: a WebSocket connection that performs the signed device handshake
// and surfaces typed events, a reconciler that enriches only sessions whose
// updatedAt advanced, and an HTTP client for the gateway's one-shot tool
// invocation surface.
//
// A Conn never reconnects on its own. Reconnecting is the owning
// subscriber's decision; a lost upstream surfaces one error event and stays
// down until the subscriber reconnects.
package gateway
