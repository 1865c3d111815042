// Package webhook pushes command outcomes to external HTTP endpoints.
//
// The notifier subscribes to the server's event hub and POSTs each matching
// event envelope as JSON to every configured target. Bodies are signed with
// HMAC-SHA256 over the raw bytes using the target's shared secret:
//
//	X-Remotectl-Signature-256: sha256=<hex>
//	X-Remotectl-Event:         command.resolved
//	X-Remotectl-Delivery:      42
//
// Receivers check the signature with Verify before trusting the body.
//
// # Configuration
//
//	webhooks:
//	  - url: https://hooks.example.com/remotectl
//	    secret: ${REMOTECTL_HOOK_SECRET}
//	    events: [command.resolved, command.failed]
//	    devices: [pc-office]
//	    timeout: 5s
//
// Without events a target receives command.resolved, command.failed and
// command.timed_out. "*" matches every topic.
//
// # Delivery
//
// Each target has its own bounded queue and worker, so a slow receiver only
// delays itself. Network errors, 429 and 5xx responses are retried up to
// MaxAttempts times with doubling backoff; other 4xx responses are final.
// Events arriving while a target's queue is full are dropped and counted.
package webhook
