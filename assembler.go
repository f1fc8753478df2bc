package wsclient

import (
	"unicode/utf8"

	"github.com/valyala/bytebufferpool"
)

// AssemblerCallbacks delivers assembler-level events (spec §4.4). All fields
// are optional; a nil callback is simply skipped. Callbacks run synchronously
// on the goroutine that called Assembler.Feed.
type AssemblerCallbacks struct {
	// OnMessageBegin fires when the first frame of a new TEXT or BINARY
	// message arrives.
	OnMessageBegin func(opcode byte)
	// OnFrameData fires for every payload chunk of a data frame, fragmented
	// or not, regardless of whether OnMessage is installed. The slice is
	// only valid until the call returns.
	OnFrameData func(chunk []byte)
	// OnFrameEnd fires once per data frame (including each fragment), after
	// its final OnFrameData call.
	OnFrameEnd func()
	// OnMessage fires once a FIN data frame completes, with the full
	// reassembled payload. Installing this causes the assembler to
	// materialize an accumulator (see spec §9); leave nil to stream only.
	OnMessage func(opcode byte, data []byte)
	OnPing    func(payload []byte)
	OnPong    func(payload []byte)
	// OnClose fires once a CLOSE frame is fully decoded. code is
	// CloseNoStatusReceived if the frame carried no status code.
	OnClose func(code CloseCode, reason string)
}

// Assembler sits on top of a Parser and turns its frame-level event stream
// into message-level semantics (spec §4.4): it tracks whether a
// TEXT/BINARY message is currently open across CONTINUATION frames, routes
// control frames independently of any open message (control frames may
// interleave between fragments), validates UTF-8 on completed TEXT
// messages when it accumulates them (OnMessage installed), and decodes
// CLOSE frame payloads.
//
// The accumulator used to reassemble a full message is only materialized
// when OnMessage is installed; streaming-only users pay no allocation cost
// beyond the per-chunk OnFrameData call.
type Assembler struct {
	parser *Parser
	cb     AssemblerCallbacks

	maxMessageSize uint64

	curOpcode    byte
	curIsControl bool
	curFin       bool

	msgOpen   bool
	msgOpcode byte
	msgAccum  *bytebufferpool.ByteBuffer

	ctrlAccum *bytebufferpool.ByteBuffer
}

// NewAssembler returns an Assembler reading frames from p and delivering
// message-level events to cb. maxMessageSize caps the accumulator
// Assembler builds when OnMessage is installed; 0 means unbounded.
func NewAssembler(p *Parser, cb AssemblerCallbacks, maxMessageSize uint64) *Assembler {
	return &Assembler{
		parser:         p,
		cb:             cb,
		maxMessageSize: maxMessageSize,
		ctrlAccum:      getBuffer(),
	}
}

// Release returns pooled buffers. Call once the Assembler is discarded.
func (a *Assembler) Release() {
	if a.ctrlAccum != nil {
		putBuffer(a.ctrlAccum)
		a.ctrlAccum = nil
	}
	if a.msgAccum != nil {
		putBuffer(a.msgAccum)
		a.msgAccum = nil
	}
}

// Feed parses data and dispatches every resulting event. On a
// *ProtocolError the caller must close the session with the error's Status
// and must not call Feed again without discarding the Assembler.
func (a *Assembler) Feed(data []byte) error {
	events, perr := a.parser.Feed(data)
	for _, ev := range events {
		if err := a.handle(ev); err != nil {
			return err
		}
	}
	return perr
}

func (a *Assembler) handle(ev Event) error {
	switch ev.Kind {
	case EventFrameBegin:
		return a.beginFrame(ev.Header)
	case EventFramePayload:
		return a.framePayload(ev.Payload)
	case EventFrameEnd:
		return a.endFrame()
	}
	return nil
}

func (a *Assembler) beginFrame(h Frame) error {
	a.curOpcode = h.Opcode
	a.curIsControl = h.IsControl()
	a.curFin = h.Fin

	if a.curIsControl {
		a.ctrlAccum.Reset()
		return nil
	}

	switch h.Opcode {
	case OpcodeText, OpcodeBinary:
		if a.msgOpen {
			return newProtocolError(KindUnexpectedCont, CloseProtocolError,
				"new message started while previous message still open")
		}
		a.msgOpen = true
		a.msgOpcode = h.Opcode
		if a.cb.OnMessage != nil {
			a.msgAccum = getBuffer()
		}
		if a.cb.OnMessageBegin != nil {
			a.cb.OnMessageBegin(h.Opcode)
		}
	case OpcodeContinuation:
		if !a.msgOpen {
			return newProtocolError(KindMissingCont, CloseProtocolError,
				"continuation frame without an open message")
		}
	}
	return nil
}

func (a *Assembler) framePayload(chunk []byte) error {
	if a.curIsControl {
		a.ctrlAccum.Write(chunk) //nolint:errcheck // bytebufferpool.Write never errors
		return nil
	}

	if a.cb.OnFrameData != nil {
		a.cb.OnFrameData(chunk)
	}

	if a.msgAccum != nil {
		if a.maxMessageSize > 0 && uint64(a.msgAccum.Len())+uint64(len(chunk)) > a.maxMessageSize {
			return ErrMessageTooBig
		}
		a.msgAccum.Write(chunk) //nolint:errcheck // bytebufferpool.Write never errors
	}
	return nil
}

func (a *Assembler) endFrame() error {
	if a.curIsControl {
		return a.dispatchControl()
	}

	if a.cb.OnFrameEnd != nil {
		a.cb.OnFrameEnd()
	}

	if !a.curFin {
		return nil
	}

	opcode := a.msgOpcode
	a.msgOpen = false

	if a.msgAccum == nil {
		return nil
	}
	payload := a.msgAccum.Bytes()

	if opcode == OpcodeText && !utf8.Valid(payload) {
		putBuffer(a.msgAccum)
		a.msgAccum = nil
		return newProtocolError(KindInvalidUTF8, CloseInvalidFramePayloadData,
			"invalid UTF-8 in reassembled text message")
	}

	if a.cb.OnMessage != nil {
		a.cb.OnMessage(opcode, payload)
	}
	putBuffer(a.msgAccum)
	a.msgAccum = nil
	return nil
}

func (a *Assembler) dispatchControl() error {
	payload := a.ctrlAccum.Bytes()

	switch a.curOpcode {
	case OpcodePing:
		if a.cb.OnPing != nil {
			a.cb.OnPing(payload)
		}
	case OpcodePong:
		if a.cb.OnPong != nil {
			a.cb.OnPong(payload)
		}
	case OpcodeClose:
		return a.dispatchClose(payload)
	}
	return nil
}

func (a *Assembler) dispatchClose(payload []byte) error {
	switch {
	case len(payload) == 0:
		if a.cb.OnClose != nil {
			a.cb.OnClose(CloseNoStatusReceived, "")
		}
		return nil
	case len(payload) == 1:
		return newProtocolError(KindCloseReservedStatus, CloseProtocolError,
			"close frame payload must be 0 or at least 2 bytes")
	}

	code := CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	reason := string(payload[2:])

	if !utf8.ValidString(reason) {
		return newProtocolError(KindInvalidUTF8, CloseInvalidFramePayloadData,
			"invalid UTF-8 in close reason")
	}
	if !isSendableCloseCode(code) {
		return newProtocolError(KindCloseReservedStatus, CloseProtocolError,
			"reserved or undefined close status code on the wire")
	}

	if a.cb.OnClose != nil {
		a.cb.OnClose(code, reason)
	}
	return nil
}
