// Package query runs one user query end to end: it resolves the agent,
// renders the conversation context, relays the upstream answer fragment by
// fragment, and records the completed turn.
//
// A query moves idle → dispatched → streaming → completed, or to failed from
// any non-terminal state. The done chunk carries the turn's pre-assigned ID
// and is sent before the history write finishes. A failed write produces a
// trailing save_error chunk if it fails within the notice window; it never
// retracts the answer. Failed and cancelled queries are never saved.
package query
