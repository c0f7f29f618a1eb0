// Package api implements the admin HTTP API and state WebSocket for wisersync.
//
// This package provides:
//   - REST endpoints for bridge health, the load registry and the state tree
//   - User writes on states, which reach the gateway through the bridge
//   - Gateway pairing (token claim)
//   - A WebSocket stream of state changes
//   - Middleware stack (request ID, logging, recovery, body limit, JWT)
//
// # Security
//
// When security.jwt.secret is set, write routes and the WebSocket require an
// HS256 bearer token signed with that secret. Tokens are minted offline with
// "wisersync token". Without a secret the API is open and should only listen
// on a trusted interface.
package api
