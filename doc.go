// Package wsclient implements the client side of the WebSocket protocol
// (RFC 6455) as a transport-agnostic framing engine.
//
// It does not own a socket, an event loop, or a DNS resolver: callers supply
// a Transport implementation and a Handlers struct, and drive the Session
// with bytes as they arrive. The engine owns everything RFC 6455 requires of
// a conforming client: the opening handshake, incremental frame parsing,
// fragmented-message reassembly, client-side masking, outbound fragmentation
// against a configurable frame-size cap, and ping/pong liveness, plus the
// closing handshake. Byte-rate limiting is configured here but enforced by
// Transport: Session forwards Config's rate settings to
// Transport.SetRateLimits once at connect and does not gate writes itself.
//
// # Components
//
//   - Masker (mask.go): RFC 6455 §5.3 XOR masking, offset-aware so it can be
//     applied incrementally across chunk boundaries.
//   - Header codec (header.go): RFC 6455 §5.2 frame header encode/decode.
//   - Frame parser (parser.go): a byte-fed state machine yielding frame
//     events without buffering more than one frame's payload at a time.
//   - Message assembler (assembler.go): reassembles fragmented messages and
//     dispatches control frames as they arrive.
//   - Sender/fragmenter (sender.go): turns outbound messages into masked,
//     correctly fragmented frames with control-frame priority.
//   - Session controller (session.go): the per-connection state machine,
//     handshake, timers, rate limits, and callback dispatch.
package wsclient
