// Package broker routes callback frames between modules.
//
// Modules never talk to each other directly. A module that wants to notify
// another writes "<target>|<command>|<payload>" on its own control room
// socket; the broker polls every socket, validates the frame and forwards
// "<command>|<payload>" to the target module, after passing the payload
// through the transform registered for the target.
//
// Routing failures never stop the broker. A malformed frame, an unknown
// target or an unsupported command is logged, published as a dropped-frame
// event and discarded.
//
// The wire format has no delimiter between frames. Everything drained from
// a socket in one poll is treated as a single frame, so two frames that
// arrive within the same poll window are dropped as malformed.
package broker
