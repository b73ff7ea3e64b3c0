// Package gateway serves the engine-gateway HTTP API.
//
// # Architecture
//
// The Gateway wires together:
//
//   - store: SQLite persistence for accounts and query history
//   - auth: signup, login and bearer-token verification
//   - registry: the cached list of agents, refreshed from the reasoning engine API
//   - upstream: streaming clients for reasoning engines and Gemini models
//   - query: the proxy that relays an agent's answer and records it
//
// # Endpoints
//
// Public:
//
//   - GET  /               service name, version and agent names
//   - GET  /health         liveness
//   - GET  /health/ready   200 when the database answers and an agent is available
//   - GET  /agents         current agent snapshot
//   - POST /auth/signup    create an account, returns a token
//   - POST /auth/login     returns a token
//
// Bearer token required:
//
//   - GET    /auth/me        the caller's account
//   - DELETE /auth/me        delete the account and its history
//   - POST   /agents/refresh force agent discovery
//   - POST   /query          run a query and return the whole answer
//   - POST   /query/stream   run a query as server-sent events
//   - GET    /history        the caller's recent queries, newest first
//   - GET    /history/{id}   one query
//   - DELETE /history/{id}   delete one query
//   - DELETE /history        delete all of the caller's queries
//
// History routes accept an optional user_id parameter, which must match the
// token's user.
//
// # Query Streams
//
// Each event carries one JSON chunk:
//
//	event: text
//	data: {"text":"..."}
//
//	event: done
//	data: {"done":true,"query_id":"..."}
//
// Other events are error, warning and save_error. A save_error may follow
// done when the history write fails shortly after the answer completes.
// Idle streams receive ": keep-alive" comments.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
package gateway
