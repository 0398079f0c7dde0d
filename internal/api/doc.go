// Package api implements the control room's HTTP REST API and WebSocket
// event stream.
//
// This package provides:
//   - Module queries backed by the connection registry
//   - Command issue to a single module, and macro runs across modules
//   - The command audit log listing, when the database is enabled
//   - A WebSocket hub relaying broker events to subscribed clients
//   - Optional JWT bearer auth with viewer and operator roles
//
// # Architecture
//
// The API stands in for the operator GUI. Commands go straight to the
// module sockets through Registry.Send, the same write path the broker
// uses, so a command and a forwarded frame never interleave. Broker
// activity reaches clients through the events dispatcher: the Hub is one of
// its observers.
//
// # Security
//
// When security.jwt.secret is empty every route is open. Otherwise all
// routes except /health and /auth/login require a bearer token, issued by
// "controlroom --issue-token" or by logging in as a configured operator. Browsers cannot set headers on WebSocket
// upgrades, so /ws also accepts the token as a "token" query parameter.
// Module traffic itself stays unauthenticated.
package api
