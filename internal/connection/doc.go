// Package connection implements the transport boundary and the Connection
// Supervisor.
//
// The Supervisor:
//   - Owns the single connection lifecycle (disconnected, connecting, connected, reconnecting, closed)
//   - Sends heartbeat pings and reconnects when no pong arrives in time
//   - Reconnects with exponential backoff up to a retry budget
//   - Resubscribes every active channel after each successful handshake
//   - Feeds inbound frames to the Message Router from one read loop
package connection
