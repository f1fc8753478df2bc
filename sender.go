package wsclient

import (
	"crypto/rand"

	"github.com/valyala/bytebufferpool"
)

// SendFunc writes framed bytes to the transport. It must return the number
// of bytes accepted; a short write (n < len(p)) signals backpressure and
// the Sender queues the remainder for WriteUnblocked.
type SendFunc func(p []byte) (n int, err error)

// sendItem is one queued outbound chunk awaiting a writable transport.
type sendItem struct {
	data     []byte
	isCtrl   bool
	released *bytebufferpool.ByteBuffer // non-nil if data came from a pooled buffer we own
}

// Sender fragments and masks outbound application messages (spec §4.5). A
// fresh random 32-bit mask key is generated per outbound frame, never
// reused. Control frames queue-jump ahead of any in-progress data-message
// fragmentation, but never mid-frame: once a frame's header and payload
// begin streaming to the transport they are not interrupted.
//
// Three send modes mirror spec §4.5:
//   - Send: single call, internally fragmented at maxFrameSize.
//   - BeginMessage/SendFrame/EndMessage: caller streams frames of
//     already-known boundaries (e.g. re-framing from another source).
//   - BeginDeclaredMessage/SendDeclaredChunk: caller declares a total
//     length upfront and streams chunks against it; SendDeclaredChunk
//     returns ErrStreamOverrun if the chunks exceed the declared length.
type Sender struct {
	write        SendFunc
	maxFrameSize uint64

	queue []sendItem

	streamOpen    bool
	streamOpcode  byte
	streamFirst   bool
	declaredTotal uint64
	declaredSent  uint64
	declaredMode  bool
}

// NewSender returns a Sender that writes fragmented, masked frames via
// write. maxFrameSize bounds the payload size of any single frame produced
// by Send's internal fragmentation; 0 means unbounded (single frame).
func NewSender(write SendFunc, maxFrameSize uint64) *Sender {
	return &Sender{write: write, maxFrameSize: maxFrameSize}
}

// Pending reports whether queued bytes remain from a prior short write.
func (s *Sender) Pending() bool { return len(s.queue) > 0 }

// Send frames and writes a complete TEXT or BINARY message, opcode being
// OpcodeText or OpcodeBinary. If the payload exceeds maxFrameSize it is
// split into a leading frame plus CONTINUATION frames, the last carrying
// FIN.
func (s *Sender) Send(opcode byte, payload []byte) error {
	if s.streamOpen {
		return ErrProtocolError
	}

	limit := s.maxFrameSize
	if limit == 0 || limit > uint64(len(payload)) {
		limit = uint64(len(payload))
		if limit == 0 {
			return s.writeFrame(true, opcode, nil, false)
		}
	}

	first := true
	for len(payload) > 0 {
		n := limit
		if n == 0 || n > uint64(len(payload)) {
			n = uint64(len(payload))
		}
		chunk := payload[:n]
		payload = payload[n:]

		frameOpcode := opcode
		if !first {
			frameOpcode = OpcodeContinuation
		}
		fin := len(payload) == 0
		if err := s.writeFrame(fin, frameOpcode, chunk, false); err != nil {
			return err
		}
		first = false
	}
	return nil
}

// BeginMessage opens a streamed message of the given opcode. Each
// subsequent SendFrame call writes one fragment; EndMessage marks FIN.
func (s *Sender) BeginMessage(opcode byte) error {
	if s.streamOpen {
		return ErrProtocolError
	}
	s.streamOpen = true
	s.streamOpcode = opcode
	s.streamFirst = true
	s.declaredMode = false
	return nil
}

// SendFrame writes one non-final fragment of a message opened with
// BeginMessage.
func (s *Sender) SendFrame(payload []byte) error {
	if !s.streamOpen || s.declaredMode {
		return ErrProtocolError
	}
	opcode := s.streamOpcode
	if !s.streamFirst {
		opcode = OpcodeContinuation
	}
	s.streamFirst = false
	return s.writeFrame(false, opcode, payload, false)
}

// EndMessage writes the final fragment (possibly empty) with FIN set,
// closing the message opened with BeginMessage.
func (s *Sender) EndMessage(payload []byte) error {
	if !s.streamOpen || s.declaredMode {
		return ErrProtocolError
	}
	opcode := s.streamOpcode
	if !s.streamFirst {
		opcode = OpcodeContinuation
	}
	s.streamOpen = false
	return s.writeFrame(true, opcode, payload, false)
}

// BeginDeclaredMessage opens a message whose total payload length is known
// upfront. Frame boundaries are chosen by the caller via
// SendDeclaredChunk; the Sender only verifies the running total never
// exceeds totalLen.
func (s *Sender) BeginDeclaredMessage(opcode byte, totalLen uint64) error {
	if s.streamOpen {
		return ErrProtocolError
	}
	s.streamOpen = true
	s.streamOpcode = opcode
	s.streamFirst = true
	s.declaredMode = true
	s.declaredTotal = totalLen
	s.declaredSent = 0
	return nil
}

// SendDeclaredChunk writes one chunk of a BeginDeclaredMessage stream. fin
// must be true exactly once, on the chunk that completes declaredTotal
// bytes; the Sender does not infer completion from declaredTotal alone so
// that zero-length final chunks remain expressible.
func (s *Sender) SendDeclaredChunk(payload []byte, fin bool) error {
	if !s.streamOpen || !s.declaredMode {
		return ErrProtocolError
	}
	if s.declaredSent+uint64(len(payload)) > s.declaredTotal {
		return ErrStreamOverrun
	}
	s.declaredSent += uint64(len(payload))

	opcode := s.streamOpcode
	if !s.streamFirst {
		opcode = OpcodeContinuation
	}
	s.streamFirst = false
	if fin {
		s.streamOpen = false
	}
	return s.writeFrame(fin, opcode, payload, false)
}

// SendControl writes a complete control frame (Ping, Pong, or Close with a
// pre-encoded payload). Control frames queue ahead of any queued data-frame
// bytes still awaiting a writable transport, per spec §4.5's priority rule.
func (s *Sender) SendControl(opcode byte, payload []byte) error {
	if len(payload) > MaxControlPayload {
		return newProtocolError(KindControlTooBig, CloseProtocolError, "outbound control payload exceeds 125 bytes")
	}
	return s.writeFrame(true, opcode, payload, true)
}

// WriteUnblocked is called when the transport reports it can accept more
// bytes; it flushes as much of the queue as the transport now accepts.
func (s *Sender) WriteUnblocked() error {
	for len(s.queue) > 0 {
		item := s.queue[0]
		n, err := s.write(item.data)
		if err != nil {
			return err
		}
		if n < len(item.data) {
			s.queue[0].data = item.data[n:]
			return nil
		}
		if item.released != nil {
			putBuffer(item.released)
		}
		s.queue = s.queue[1:]
	}
	return nil
}

func (s *Sender) writeFrame(fin bool, opcode byte, payload []byte, ctrlPriority bool) error {
	var maskKey [4]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return err
	}

	buf := getBuffer()
	var hdr [MaxFrameHeaderSize]byte
	h := encodeHeader(hdr[:], fin, opcode, true, maskKey, uint64(len(payload)))
	buf.Write(h) //nolint:errcheck // bytebufferpool.Write never errors

	bodyOff := buf.Len()
	buf.Write(payload) //nolint:errcheck // bytebufferpool.Write never errors
	applyMask(buf.B[bodyOff:], maskKey, 0)

	return s.enqueue(buf, ctrlPriority)
}

func (s *Sender) enqueue(buf *bytebufferpool.ByteBuffer, priority bool) error {
	if len(s.queue) == 0 {
		n, err := s.write(buf.Bytes())
		if err != nil {
			putBuffer(buf)
			return err
		}
		if n >= buf.Len() {
			putBuffer(buf)
			return nil
		}
		rest := buf.Bytes()[n:]
		item := sendItem{data: rest, released: buf}
		s.queue = append(s.queue, item)
		return nil
	}

	item := sendItem{data: buf.Bytes(), isCtrl: priority, released: buf}
	if priority {
		// Control frames jump the queue but never interrupt a frame whose
		// bytes are already mid-write: queue[0] may be the unsent rest of a
		// frame the transport has already taken part of (a short write can
		// stop anywhere, even inside the header), so it stays first, and
		// inserting at index 1 never splits a frame.
		s.queue = append(s.queue, sendItem{})
		copy(s.queue[2:], s.queue[1:len(s.queue)-1])
		s.queue[1] = item
		return nil
	}
	s.queue = append(s.queue, item)
	return nil
}
