package wsclient

import (
	"encoding/binary"
	"fmt"
)

// MaxFrameHeaderSize is the largest a frame header can be: 2 base bytes + 8
// extended-length bytes + 4 mask-key bytes.
const MaxFrameHeaderSize = 14

// MaxControlPayload is the RFC 6455 Section 5.5 control-frame payload cap.
const MaxControlPayload = 125

const (
	finBit     = 1 << 7
	rsv1Bit    = 1 << 6
	rsv2Bit    = 1 << 5
	rsv3Bit    = 1 << 4
	opcodeMask = 0x0F
	maskBit    = 1 << 7
	lenMask    = 0x7F

	lenExt16 = 126
	lenExt64 = 127
)

// encodeHeader serializes a frame header per RFC 6455 Section 5.2, writing
// the smallest of the 7-bit/16-bit/64-bit payload-length encodings. dst must
// have at least MaxFrameHeaderSize bytes of capacity; encodeHeader returns
// the slice actually used.
func encodeHeader(dst []byte, fin bool, opcode byte, masked bool, maskKey [4]byte, payloadLen uint64) []byte {
	_ = dst[:MaxFrameHeaderSize]

	var b0 byte
	if fin {
		b0 |= finBit
	}
	b0 |= opcode & opcodeMask
	dst[0] = b0

	var b1 byte
	if masked {
		b1 |= maskBit
	}

	n := 2
	switch {
	case payloadLen <= 125:
		dst[1] = b1 | byte(payloadLen)
	case payloadLen <= 0xFFFF:
		dst[1] = b1 | lenExt16
		binary.BigEndian.PutUint16(dst[2:4], uint16(payloadLen))
		n = 4
	default:
		dst[1] = b1 | lenExt64
		binary.BigEndian.PutUint64(dst[2:10], payloadLen)
		n = 10
	}

	if masked {
		copy(dst[n:n+4], maskKey[:])
		n += 4
	}

	return dst[:n]
}

type headerDecodeState int

const (
	hdrStateFirst2 headerDecodeState = iota
	hdrStateExt
	hdrStateMask
	hdrStateDone
)

// headerDecoder incrementally parses a frame header (spec §4.2): it is fed
// byte slices of arbitrary size, including one byte at a time, and reports
// need_more implicitly (consumed < original length, done == false), ok
// (done == true), or a *ProtocolError.
type headerDecoder struct {
	state    headerDecodeState
	buf      [MaxFrameHeaderSize]byte
	have     int
	need     int
	extBytes int
	frame    Frame
}

func (d *headerDecoder) reset() {
	d.state = hdrStateFirst2
	d.have = 0
	d.need = 2
	d.extBytes = 0
	d.frame = Frame{}
}

// feed consumes bytes from b until the header is complete or b is exhausted.
// The header is available in d.frame once done is true; callers must call
// reset before decoding the next frame's header.
func (d *headerDecoder) feed(b []byte) (consumed int, done bool, err error) {
	if d.state == hdrStateDone {
		d.reset()
	}

	for len(b) > 0 && d.state != hdrStateDone {
		take := d.need - d.have
		if take > len(b) {
			take = len(b)
		}
		copy(d.buf[d.have:d.have+take], b[:take])
		d.have += take
		consumed += take
		b = b[take:]

		if d.have < d.need {
			return consumed, false, nil
		}

		switch d.state {
		case hdrStateFirst2:
			if perr := d.parseFirst2(); perr != nil {
				return consumed, false, perr
			}
		case hdrStateExt:
			if perr := d.parseExt(); perr != nil {
				return consumed, false, perr
			}
			if d.frame.Masked {
				d.state = hdrStateMask
				d.need = d.have + 4
			} else {
				d.state = hdrStateDone
			}
		case hdrStateMask:
			copy(d.frame.MaskKey[:], d.buf[d.have-4:d.have])
			d.state = hdrStateDone
		}
	}

	return consumed, d.state == hdrStateDone, nil
}

func (d *headerDecoder) parseFirst2() error {
	b0, b1 := d.buf[0], d.buf[1]

	d.frame.Fin = b0&finBit != 0
	d.frame.RSV1 = b0&rsv1Bit != 0
	d.frame.RSV2 = b0&rsv2Bit != 0
	d.frame.RSV3 = b0&rsv3Bit != 0
	d.frame.Opcode = b0 & opcodeMask
	d.frame.Masked = b1&maskBit != 0
	lenField := b1 & lenMask

	if !isValidOpcode(d.frame.Opcode) {
		return newProtocolError(KindBadOpcode, CloseProtocolError, fmt.Sprintf("opcode 0x%X", d.frame.Opcode))
	}
	if d.frame.RSV1 || d.frame.RSV2 || d.frame.RSV3 {
		return newProtocolError(KindRSVSet, CloseProtocolError, "RSV bit set with no extension negotiated")
	}
	// Invariant 5 (spec §3): a client never receives a masked frame. Checked
	// here, not in the assembler, because spec §4.2 lists "masked-from-server"
	// as a Header Codec decode reason.
	if d.frame.Masked {
		return newProtocolError(KindServerMasked, CloseProtocolError, "server frame must not be masked")
	}
	if isControlOpcode(d.frame.Opcode) && !d.frame.Fin {
		return newProtocolError(KindControlFragmented, CloseProtocolError, "control frame must not be fragmented")
	}
	if isControlOpcode(d.frame.Opcode) && lenField > MaxControlPayload {
		return newProtocolError(KindControlTooBig, CloseProtocolError, "control frame payload exceeds 125 bytes")
	}

	switch lenField {
	case lenExt16:
		d.extBytes = 2
		d.state = hdrStateExt
		d.need = d.have + 2
	case lenExt64:
		d.extBytes = 8
		d.state = hdrStateExt
		d.need = d.have + 8
	default:
		d.frame.PayloadLen = uint64(lenField)
		if d.frame.Masked {
			d.state = hdrStateMask
			d.need = d.have + 4
		} else {
			d.state = hdrStateDone
		}
	}
	return nil
}

func (d *headerDecoder) parseExt() error {
	switch d.extBytes {
	case 2:
		d.frame.PayloadLen = uint64(binary.BigEndian.Uint16(d.buf[d.have-2 : d.have]))
	case 8:
		v := binary.BigEndian.Uint64(d.buf[d.have-8 : d.have])
		if v&(1<<63) != 0 {
			return newProtocolError(KindLenHighBit, CloseProtocolError, "64-bit length high bit set")
		}
		d.frame.PayloadLen = v
	}
	if isControlOpcode(d.frame.Opcode) && d.frame.PayloadLen > MaxControlPayload {
		return newProtocolError(KindControlTooBig, CloseProtocolError, "control frame payload exceeds 125 bytes")
	}
	return nil
}
