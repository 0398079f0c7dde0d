// Package auth provides bearer-token authentication for the control surface.
//
// Tokens are HS256 JWTs. They come either from `controlroom --issue-token`
// or from POST /api/v1/auth/login, which checks a password against the
// argon2id hashes listed under security.operators.
//
// Two roles exist:
//   - viewer: may read module, macro and audit state
//   - operator: may additionally send commands and run macros
//
// Module traffic is never authenticated. This package only guards the
// HTTP API and the event stream.
package auth
