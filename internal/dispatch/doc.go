// Package dispatch writes commands into the record store for an agent to
// pick up.
//
// Dispatch is fire-and-record: it validates the request, encodes the typed
// payload into the agent wire shape, inserts exactly one pending command and
// returns the store-assigned id and timestamp. Those two values open the
// correlation window used to find the reply.
//
// Behaviour:
//   - Store failures surface as *DispatchError and are never retried.
//   - Concurrent dispatches of the same kind to the same device are allowed.
//   - With a non-zero dedupe window, an identical in-flight command is
//     returned instead of writing a new one.
//   - Every successful dispatch is announced on the event hub.
package dispatch
