package wsclient

// EventKind identifies a parser event (spec §4.3).
type EventKind int

const (
	EventFrameBegin EventKind = iota
	EventFramePayload
	EventFrameEnd
)

// Event is one item of the parser's output stream. Header is populated only
// on EventFrameBegin; Payload only on EventFramePayload. Payload aliases the
// buffer passed to Parser.Feed (already unmasked in place) and is only valid
// until the next call to Feed.
type Event struct {
	Kind    EventKind
	Header  Frame
	Payload []byte
}

type parserState int

const (
	parserWantHeader parserState = iota
	parserWantPayload
)

// Parser is the incremental, byte-fed RFC 6455 frame parser (spec §4.3).
// It never buffers more than one in-flight frame header; payload bytes are
// surfaced to the caller as they arrive rather than accumulated, so a Parser
// can stream frames of unbounded size in bounded memory.
//
// Feed is safe to call with any chunk size, including empty slices (a legal
// no-op) and single-byte slices split at arbitrary frame positions.
type Parser struct {
	state      parserState
	hdr        headerDecoder
	current    Frame
	remaining  uint64
	maskOffset uint64
}

// NewParser returns a ready-to-use Parser.
func NewParser() *Parser {
	p := &Parser{}
	p.hdr.reset()
	return p
}

// Feed parses as many complete events as data allows and returns them in
// protocol order. On a *ProtocolError, the parser must not be fed further
// without a Reset: the byte stream is no longer framable.
func (p *Parser) Feed(data []byte) ([]Event, error) {
	var events []Event

	for len(data) > 0 {
		switch p.state {
		case parserWantHeader:
			n, done, err := p.hdr.feed(data)
			data = data[n:]
			if err != nil {
				return events, err
			}
			if !done {
				return events, nil
			}

			p.current = p.hdr.frame
			p.remaining = p.current.PayloadLen
			p.maskOffset = 0
			events = append(events, Event{Kind: EventFrameBegin, Header: p.current})

			if p.remaining == 0 {
				events = append(events, Event{Kind: EventFrameEnd})
				p.hdr.reset()
				continue
			}
			p.state = parserWantPayload

		case parserWantPayload:
			take := p.remaining
			if uint64(len(data)) < take {
				take = uint64(len(data))
			}
			chunk := data[:take]
			data = data[take:]

			if p.current.Masked {
				applyMask(chunk, p.current.MaskKey, p.maskOffset)
				p.maskOffset += take
			}
			p.remaining -= take

			events = append(events, Event{Kind: EventFramePayload, Payload: chunk})

			if p.remaining == 0 {
				events = append(events, Event{Kind: EventFrameEnd})
				p.state = parserWantHeader
				p.hdr.reset()
			}
		}
	}

	return events, nil
}

// Reset returns the parser to its initial state, discarding any in-flight
// frame. Used after a protocol error or when abandoning a connection.
func (p *Parser) Reset() {
	p.state = parserWantHeader
	p.hdr.reset()
	p.current = Frame{}
	p.remaining = 0
	p.maskOffset = 0
}
