// Package command defines the closed set of actions an agent can perform,
// how each one is answered, and the typed payloads and results that travel
// with them.
//
// The kind catalog is the single source of truth for reply routing: every
// kind is answered either by a device event (ReplyEvent) or by its own command
// row reaching a terminal status (ReplyStatus), never both.
package command
