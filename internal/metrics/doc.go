// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Transport connection state, reconnect attempts and frame rates
//   - Router dispatch outcomes and dropped payloads
//   - Order status transitions, applied and ignored
//   - Notification reconciliation and poll results
//   - Watchdog expirations
package metrics
