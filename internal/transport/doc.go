// Package transport dials module sockets and wraps them with read timeouts.
//
// Modules are spawned just before the control room connects to them, so
// a connect may race the module's listen call. Dial retries a fixed number
// of times with a pause between attempts and classifies the final failure
// as refused, timed out or other.
//
// Every Read on a Conn applies a fresh deadline. The deadline starts at the
// configured read timeout and can be tightened with SetReadTimeout once the
// connection switches to polling.
package transport
