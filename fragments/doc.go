// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus semantics beyond alignment. It is the caller's
// responsibility to produce valid DBus messages using these tools.
//
// Most code should use the wire package's Reader and Builder instead,
// which track type signatures and container nesting on top of this
// package.
package fragments
