package wsclient

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionState is a Session's position in the connection lifecycle
// (spec §5). DNS resolution has no state of its own here: Transport owns
// both resolution and the TCP handshake opaquely behind Connect, reporting
// only success or failure, so StateConnecting spans both.
type SessionState int

const (
	StateInit SessionState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosingSent // we sent a Close frame, awaiting the peer's
	StateClosingRecv // peer sent a Close frame, we haven't replied yet
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosingSent:
		return "closing_sent"
	case StateClosingRecv:
		return "closing_recv"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Session. Zero values are replaced by the documented
// defaults in NewSession.
type Config struct {
	Host string
	Port uint16
	Path string // default "/"

	Origin       string
	Subprotocols []string
	ExtraHeaders []Header

	// MaxFrameSize bounds the payload size of any single frame Send
	// produces via internal fragmentation. Default 16KiB.
	MaxFrameSize uint64
	// MaxMessageSize bounds a reassembled message's total size; exceeding
	// it closes the session with CloseMessageTooBig. Default 32MiB.
	MaxMessageSize uint64

	// ReadBytesPerSec/ReadBurst and WriteBytesPerSec/WriteBurst are
	// forwarded to Transport.SetRateLimits once, after the transport reports
	// it is connected and the handshake request is written; a zero rate
	// leaves that direction unlimited.
	ReadBytesPerSec  float64
	ReadBurst        float64
	WriteBytesPerSec float64
	WriteBurst       float64

	ConnectTimeout time.Duration // default 10s
	RecvTimeout    time.Duration // idle-read timeout once connected; default 60s
	PongTimeout    time.Duration // time to wait for a Pong after a Ping; default 10s

	Handlers Handlers

	// UserData is opaque storage for the caller to stash and retrieve
	// alongside a Session.
	UserData any
}

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 16 * 1024
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RecvTimeout == 0 {
		c.RecvTimeout = 60 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
}

type timerKind int

const (
	timerConnect timerKind = iota
	timerRecv
	timerPong
)

// Session is the client-side protocol controller: it owns the Parser,
// Assembler, and Sender, drives the opening handshake, and orchestrates
// the close handshake, on top of a caller-supplied Transport.
//
// Session is not safe for concurrent use by multiple goroutines calling
// its public methods directly; CloseThreadsafe and PostToSessionThread are
// the sanctioned way to reach a Session from a foreign goroutine (e.g. a
// timer firing on a different thread than the one driving Transport
// callbacks). Calling back into a Session (Send, Close, State, ...) from
// inside a Handlers callback is supported and does not deadlock: Session
// releases its lock for the duration of every callback invocation.
type Session struct {
	mu sync.Mutex

	cfg       Config
	transport Transport

	state SessionState

	parser    *Parser
	assembler *Assembler
	sender    *Sender

	hsKey    string
	hsParser *HandshakeResponseParser

	timers map[TimerID]timerKind

	closeSent     bool
	closeDispatch bool // OnClose has fired; guards against double dispatch
}

// NewSession constructs a Session in StateInit. Call Connect to begin.
func NewSession(cfg Config, transport Transport) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:       cfg,
		transport: transport,
		state:     StateInit,
		timers:    make(map[TimerID]timerKind),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserData returns the opaque value stashed in Config.UserData.
func (s *Session) UserData() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.UserData
}

// SetUserData replaces the opaque value stashed in Config.UserData.
func (s *Session) SetUserData(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.UserData = v
}

// Connect begins the connection: it asks Transport to connect and arms
// the connect timeout. It is only valid from StateInit.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInit {
		return ErrAlreadyConnecting
	}

	s.state = StateConnecting
	s.armTimer(timerConnect, s.cfg.ConnectTimeout)

	if err := s.transport.Connect(s.cfg.Host, s.cfg.Port); err != nil {
		s.state = StateInit
		return err
	}
	return nil
}

// PostToSessionThread marshals fn onto the Session's lock, so callbacks
// arriving from a Transport's own I/O thread (which may not be the thread
// the caller otherwise drives the Session from) are serialized the same as
// any other entry point. Transport implementations that already call back
// on the Session's thread do not need this.
func (s *Session) PostToSessionThread(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// dispatch invokes a user-supplied Handlers callback. It releases s.mu for
// the duration of the call and re-acquires it before returning, so a
// handler is free to call straight back into the Session (Send, Close,
// State, ...) without deadlocking on the same non-reentrant mutex — spec §5
// models the session as single-threaded and cooperative, where replying
// from inside on_message is the expected usage. Every call site that
// invokes a Handlers.* func while holding s.mu must go through dispatch
// rather than calling it directly.
func (s *Session) dispatch(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Unlock()
	defer s.mu.Lock()
	fn()
}

// HandleBytes feeds bytes that arrived from the transport. During the
// handshake they are parsed as an HTTP response; once connected they are
// parsed as the WebSocket frame stream.
func (s *Session) HandleBytes(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleBytesLocked(data)
}

func (s *Session) handleBytesLocked(data []byte) error {
	switch s.state {
	case StateHandshaking:
		return s.feedHandshake(data)
	case StateConnected, StateClosingSent, StateClosingRecv:
		return s.feedFrames(data)
	default:
		return nil
	}
}

func (s *Session) feedHandshake(data []byte) error {
	done, rest := s.hsParser.Feed(data)
	if !done {
		return nil
	}

	s.cancelTimer(timerConnect)
	subproto, err := s.hsParser.Validate(s.hsKey, s.handshakeConfig())
	if err != nil {
		s.failLocked(err)
		return err
	}
	s.hsParser = nil

	s.state = StateConnected
	s.parser = NewParser()
	s.sender = NewSender(s.transport.Write, s.cfg.MaxFrameSize)
	s.assembler = NewAssembler(s.parser, s.assemblerCallbacks(), s.cfg.MaxMessageSize)
	s.armTimer(timerRecv, s.cfg.RecvTimeout)

	_ = subproto // negotiated subprotocol; validated above, not stored or exposed

	if s.cfg.Handlers.OnConnect != nil {
		s.dispatch(s.cfg.Handlers.OnConnect)
	}

	if len(rest) > 0 {
		return s.feedFrames(rest)
	}
	return nil
}

func (s *Session) feedFrames(data []byte) error {
	s.restartTimer(timerRecv, s.cfg.RecvTimeout)

	err := s.assembler.Feed(data)
	if err == nil {
		return nil
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		s.initiateCloseLocked(perr.Status, "")
		return err
	}
	if errors.Is(err, ErrMessageTooBig) {
		s.initiateCloseLocked(CloseMessageTooBig, "")
		return err
	}

	s.failLocked(err)
	return err
}

func (s *Session) handshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Host:         s.cfg.Host,
		Path:         s.cfg.Path,
		Origin:       s.cfg.Origin,
		Subprotocols: s.cfg.Subprotocols,
		ExtraHeaders: s.cfg.ExtraHeaders,
	}
}

func (s *Session) assemblerCallbacks() AssemblerCallbacks {
	h := s.cfg.Handlers
	return AssemblerCallbacks{
		OnMessageBegin: func(opcode byte) {
			if h.OnFrameBegin != nil {
				s.dispatch(func() { h.OnFrameBegin(opcode) })
			}
		},
		OnFrameData: func(chunk []byte) {
			if h.OnFrameData != nil {
				s.dispatch(func() { h.OnFrameData(chunk) })
			}
		},
		OnFrameEnd: func() {
			if h.OnFrameEnd != nil {
				s.dispatch(h.OnFrameEnd)
			}
		},
		OnMessage: func(opcode byte, data []byte) {
			if h.OnMessage != nil {
				s.dispatch(func() { h.OnMessage(MessageType(opcode), data) })
			}
		},
		OnPing: func(payload []byte) {
			if h.OnPing != nil {
				s.dispatch(func() { h.OnPing(payload) })
			}
			_ = s.sender.SendControl(OpcodePong, payload)
		},
		OnPong: func(payload []byte) {
			s.cancelTimer(timerPong)
			if h.OnPong != nil {
				s.dispatch(func() { h.OnPong(payload) })
			}
		},
		OnClose: func(code CloseCode, reason string) {
			s.handlePeerCloseLocked(code, reason)
		},
	}
}

func (s *Session) handlePeerCloseLocked(code CloseCode, reason string) {
	switch s.state {
	case StateConnected:
		// We initiate the echo close; spec §6 requires the normal-closure
		// responder to mirror the peer's code when it has none of its own.
		s.state = StateClosingRecv
		s.sendCloseFrame(code, "")
		s.finishCloseLocked(code, reason, true)
	case StateClosingSent:
		s.finishCloseLocked(code, reason, true)
	default:
	}
}

// Send writes a complete TEXT or BINARY message, fragmenting internally if
// it exceeds Config.MaxFrameSize.
func (s *Session) Send(msgType MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	return s.sender.Send(byte(msgType), data)
}

// Ping sends a Ping frame and arms the pong timeout.
func (s *Session) Ping(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	if err := s.sender.SendControl(OpcodePing, payload); err != nil {
		return err
	}
	s.armTimer(timerPong, s.cfg.PongTimeout)
	return nil
}

// WriteUnblocked notifies the Session that Transport can accept more
// bytes; it flushes the Sender's backlog.
func (s *Session) WriteUnblocked() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sender == nil {
		return nil
	}
	if err := s.sender.WriteUnblocked(); err != nil {
		return err
	}
	if !s.sender.Pending() && s.cfg.Handlers.OnWritable != nil {
		s.dispatch(s.cfg.Handlers.OnWritable)
	}
	return nil
}

// Close starts the close handshake: it sends a Close frame with code and
// reason and waits for the peer's Close frame (or the recv timeout) before
// tearing down the transport. It is a no-op once closing has begun.
func (s *Session) Close(code CloseCode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiateCloseLocked(code, reason)
}

// CloseWithReason is an alias of Close.
func (s *Session) CloseWithReason(code CloseCode, reason string) error {
	return s.Close(code, reason)
}

func (s *Session) initiateCloseLocked(code CloseCode, reason string) error {
	if s.state == StateClosed || s.state == StateClosingSent {
		return nil
	}
	if s.state != StateConnected && s.state != StateClosingRecv {
		return s.closeImmediatelyLocked(code, reason)
	}

	wasRecv := s.state == StateClosingRecv
	s.sendCloseFrame(code, reason)

	if wasRecv {
		s.finishCloseLocked(code, reason, false)
		return nil
	}
	s.state = StateClosingSent
	s.restartTimer(timerRecv, s.cfg.RecvTimeout)
	return nil
}

// closeImmediatelyLocked is the close-without-handshake fallback
// initiateCloseLocked uses when the session has not reached StateConnected
// yet — there is no peer to exchange Close frames with.
func (s *Session) closeImmediatelyLocked(code CloseCode, reason string) error {
	if s.state == StateClosed {
		return nil
	}
	if s.sender != nil {
		s.sendCloseFrame(code, reason)
	}
	s.finishCloseLocked(code, reason, false)
	return nil
}

func (s *Session) sendCloseFrame(code CloseCode, reason string) {
	if s.closeSent || s.sender == nil {
		return
	}
	s.closeSent = true

	payload := make([]byte, 0, 2+len(reason))
	if code != 0 {
		sendCode := code
		if !isSendableCloseCode(sendCode) {
			sendCode = CloseNormalClosure
		}
		payload = append(payload, byte(sendCode>>8), byte(sendCode))
		payload = append(payload, reason...)
	}
	_ = s.sender.SendControl(OpcodeClose, payload)
}

// CloseImmediately tears down the transport without completing the close
// handshake. Use when the peer is unresponsive or the connection is
// already broken.
func (s *Session) CloseImmediately(code CloseCode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeImmediatelyLocked(code, reason)
}

// CloseThreadsafe is CloseImmediately marshaled through the Session's lock,
// for callers on a goroutine other than the one normally driving this
// Session (e.g. a signal handler triggering a panic-close).
func (s *Session) CloseThreadsafe(code CloseCode, reason string) error {
	return s.CloseImmediately(code, reason)
}

func (s *Session) finishCloseLocked(code CloseCode, reason string, wasClean bool) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	for id := range s.timers {
		s.transport.CancelTimer(id)
	}
	s.timers = make(map[TimerID]timerKind)
	if s.assembler != nil {
		s.assembler.Release()
		s.assembler = nil
	}
	_ = s.transport.Close()

	if !s.closeDispatch {
		s.closeDispatch = true
		if s.cfg.Handlers.OnClose != nil {
			s.dispatch(func() { s.cfg.Handlers.OnClose(code, reason, wasClean) })
		}
	}
}

func (s *Session) failLocked(err error) {
	if s.cfg.Handlers.OnError != nil {
		s.dispatch(func() { s.cfg.Handlers.OnError(err) })
	}
	s.finishCloseLocked(CloseAbnormalClosure, err.Error(), false)
}

// HandleTransportEvent processes connect/close/error notifications from
// the Transport.
func (s *Session) HandleTransportEvent(ev TransportEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case TransportConnected:
		s.onTransportConnected()
	case TransportConnectFailed:
		s.failLocked(fmt.Errorf("wsclient: connect failed: %w", ev.Err))
	case TransportClosed:
		// Reached only when the close handshake had not already completed
		// (the StateClosed guard below), so the peer's transport vanished
		// without exchanging a Close frame with us: never clean.
		if s.state != StateClosed {
			s.finishCloseLocked(CloseAbnormalClosure, "transport closed", false)
		}
	case TransportWriteError:
		s.failLocked(fmt.Errorf("wsclient: write failed: %w", ev.Err))
	}
}

func (s *Session) onTransportConnected() {
	if s.state != StateConnecting {
		return
	}
	s.cancelTimer(timerConnect)

	req, key, err := BuildHandshakeRequest(s.handshakeConfig())
	if err != nil {
		s.failLocked(err)
		return
	}
	s.hsKey = key
	s.hsParser = &HandshakeResponseParser{}
	s.state = StateHandshaking

	if _, err := s.transport.Write(req); err != nil {
		s.failLocked(err)
		return
	}

	s.transport.SetRateLimits(s.cfg.ReadBytesPerSec, s.cfg.ReadBurst, s.cfg.WriteBytesPerSec, s.cfg.WriteBurst)
}

// HandleTimer processes a fired timer. id must be one previously returned
// by Transport.ScheduleTimer to this Session's own calls.
func (s *Session) HandleTimer(id TimerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, ok := s.timers[id]
	if !ok {
		return
	}
	delete(s.timers, id)

	switch kind {
	case timerConnect:
		s.failLocked(&TimeoutError{Which: TimeoutConnect})
	case timerRecv:
		s.failLocked(&TimeoutError{Which: TimeoutRecv})
	case timerPong:
		if s.cfg.Handlers.OnPongTimeout != nil {
			s.dispatch(s.cfg.Handlers.OnPongTimeout)
		}
		if s.cfg.Handlers.OnTimeout != nil {
			s.dispatch(func() { s.cfg.Handlers.OnTimeout(TimeoutPong) })
		}
	}
}

func (s *Session) armTimer(kind timerKind, d time.Duration) {
	id := s.transport.ScheduleTimer(d)
	s.timers[id] = kind
}

func (s *Session) cancelTimer(kind timerKind) {
	for id, k := range s.timers {
		if k == kind {
			s.transport.CancelTimer(id)
			delete(s.timers, id)
		}
	}
}

func (s *Session) restartTimer(kind timerKind, d time.Duration) {
	s.cancelTimer(kind)
	s.armTimer(kind, d)
}
