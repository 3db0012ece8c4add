// Package api implements the local HTTP REST API and WebSocket server for
// Bifrost.
//
// This package provides:
//   - REST endpoints to submit the broker configuration and the
//     open-at-login preference, and to read bridge status
//   - WebSocket hub pushing configuration outcomes and volume changes
//   - The embedded configuration page at /
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server is the only way configuration enters the process. A submitted
// broker configuration is handed to the bridge, which validates it against
// the live broker before persisting it. The outcome is returned on the HTTP
// response and broadcast to WebSocket clients.
//
// # Security
//
// The server binds to loopback by default and has no authentication. The
// broker password is accepted on submit but never returned.
package api
