// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, transitions and reconnect attempts
//   - Frames received, decode errors and unroutable messages
//   - Events delivered and dropped per channel kind
//   - Order book gaps and resyncs
//   - Active subscriptions
package metrics
