// Package module manages the control room's connection to each module.
//
// A Connection owns one TCP socket to a module and, for modules the control
// room launches itself, the module's process. Its lifecycle is strictly
// ordered: StartServer, Connect, Handshake, then any number of Sends
// interleaved with broker reads, then StopSocket and StopProcess. Both the
// socket and the process move from live to closed exactly once.
//
// The handshake asks the module for its primary commands ("pcomms"). Only
// commands named in the reply can be sent to the module afterwards.
//
// A Registry holds the connections in registration order and is the lookup
// the broker and the control surface route through.
package module
