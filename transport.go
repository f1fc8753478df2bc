package wsclient

import "time"

// TimerID identifies a timer scheduled via Transport.ScheduleTimer. It is
// passed back to Session.HandleTimer when the timer fires; a timer retired
// through Transport.CancelTimer is not reported.
type TimerID uint64

// TransportEventKind enumerates the out-of-band events a Transport reports
// to the Session through HandleTransportEvent (spec §5).
type TransportEventKind int

const (
	TransportConnected TransportEventKind = iota
	TransportConnectFailed
	TransportClosed
	TransportWriteError
)

// TransportEvent is one event delivered from Transport to Session.
type TransportEvent struct {
	Kind TransportEventKind
	Err  error
}

// Transport is the caller-supplied collaborator that owns the socket, the
// event loop, and DNS resolution (spec §1, Non-goals). The Session never
// dials, reads from, or writes to a network connection directly: it calls
// out through this interface and is fed bytes and events back through its
// own HandleBytes/HandleTransportEvent/HandleTimer entry points.
//
// Implementations are expected to call back into the Session from
// whatever thread or goroutine owns the socket; Session.PostToSessionThread
// is the seam a Transport uses to marshal that callback onto the thread
// the Session was constructed on, for callers that are not already
// single-threaded with their Session.
type Transport interface {
	// Connect begins an asynchronous connection to host:port. Completion
	// is reported via a TransportConnected or TransportConnectFailed
	// TransportEvent.
	Connect(host string, port uint16) error

	// Write submits p to be sent on the underlying connection. A short
	// return (n < len(p)) signals backpressure; the Session is
	// responsible for queueing the remainder and resuming on the next
	// writable notification.
	Write(p []byte) (n int, err error)

	// Close tears down the underlying connection immediately.
	Close() error

	// SetRateLimits reconfigures the transport-enforced byte-rate limits.
	// A zero rate disables limiting in that direction.
	SetRateLimits(readBytesPerSec, readBurst, writeBytesPerSec, writeBurst float64)

	// ScheduleTimer arranges for Session.HandleTimer(id) to be called
	// after d elapses.
	ScheduleTimer(d time.Duration) TimerID

	// CancelTimer retires a previously scheduled timer; it is a no-op if
	// the timer already fired or was never scheduled.
	CancelTimer(id TimerID)
}

// Handlers are the application-level callbacks a Session dispatches to.
// Every field is optional. Callbacks run synchronously on whatever
// goroutine drove the Session call that triggered them (spec §5's ordering
// guarantee: for a given Session, callbacks never run concurrently with
// each other).
type Handlers struct {
	// OnConnect fires once the opening handshake completes successfully.
	OnConnect func()

	// OnMessage fires once a TEXT or BINARY message is fully reassembled.
	// The Session's Assembler accumulates every message in memory whether
	// or not this is set (UTF-8 validation and MaxMessageSize apply to the
	// accumulated message); leaving it nil only skips the delivery.
	OnMessage func(msgType MessageType, data []byte)

	OnFrameBegin func(opcode byte)
	OnFrameData  func(chunk []byte)
	OnFrameEnd   func()

	OnPing        func(payload []byte)
	OnPong        func(payload []byte)
	OnPongTimeout func()

	// OnClose fires once, exactly once, when the session reaches CLOSED.
	// wasClean is true only when the close handshake completed with Close
	// frames in both directions, whichever side started it; it is false
	// when the transport closed, an error occurred, or the session was
	// closed without waiting for the peer's Close frame.
	OnClose func(code CloseCode, reason string, wasClean bool)

	// OnWritable fires from Session.WriteUnblocked whenever the Sender's
	// queue is empty after the flush, including when nothing was queued;
	// there is no separate low-water threshold.
	OnWritable func()

	OnTimeout func(which TimeoutKind)

	// OnError fires for any error that does not otherwise map to a more
	// specific callback (e.g. an unexpected transport write error while
	// already closing).
	OnError func(err error)
}
