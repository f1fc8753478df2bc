package wsclient

import (
	"bytes"
	"errors"
	"testing"
)

// frameBytes builds a complete masked or unmasked frame's wire bytes for
// test fixtures, independent of the Sender under test elsewhere.
func frameBytes(fin bool, opcode byte, masked bool, key [4]byte, payload []byte) []byte {
	var hdr [MaxFrameHeaderSize]byte
	h := encodeHeader(hdr[:], fin, opcode, masked, key, uint64(len(payload)))
	out := append([]byte(nil), h...)
	body := append([]byte(nil), payload...)
	if masked {
		applyMask(body, key, 0)
	}
	return append(out, body...)
}

func TestParserSingleUnmaskedFrame(t *testing.T) {
	wire := frameBytes(true, OpcodeText, false, [4]byte{}, []byte("hello"))

	p := NewParser()
	events, err := p.Feed(wire)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (begin, payload, end)", len(events))
	}
	if events[0].Kind != EventFrameBegin || events[0].Header.Opcode != OpcodeText {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != EventFramePayload || string(events[1].Payload) != "hello" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Kind != EventFrameEnd {
		t.Errorf("event 2 = %+v", events[2])
	}
}

// TestParserChunkedFeedInvariance checks that splitting the same wire bytes
// at every possible byte boundary produces the same logical event sequence
// (kinds and payload concatenation), independent of chunk size.
func TestParserChunkedFeedInvariance(t *testing.T) {
	wire := frameBytes(true, OpcodeBinary, false, [4]byte{}, bytes.Repeat([]byte{0xAB}, 37))

	wholeKinds, wholePayload := collectEvents(t, [][]byte{wire})

	for split := 1; split < len(wire); split++ {
		chunks := [][]byte{wire[:split], wire[split:]}
		kinds, payload := collectEvents(t, chunks)
		if !equalKinds(kinds, wholeKinds) {
			t.Fatalf("split %d: kinds %v != %v", split, kinds, wholeKinds)
		}
		if !bytes.Equal(payload, wholePayload) {
			t.Fatalf("split %d: payload %v != %v", split, payload, wholePayload)
		}
	}

	// And one byte at a time.
	var oneAtATime [][]byte
	for i := range wire {
		oneAtATime = append(oneAtATime, wire[i:i+1])
	}
	kinds, payload := collectEvents(t, oneAtATime)
	if !equalKinds(kinds, wholeKinds) {
		t.Fatalf("byte-at-a-time: kinds %v != %v", kinds, wholeKinds)
	}
	if !bytes.Equal(payload, wholePayload) {
		t.Fatalf("byte-at-a-time: payload %v != %v", payload, wholePayload)
	}
}

func collectEvents(t *testing.T, chunks [][]byte) ([]EventKind, []byte) {
	t.Helper()
	p := NewParser()
	var kinds []EventKind
	var payload []byte
	for _, c := range chunks {
		events, err := p.Feed(c)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventFramePayload {
				payload = append(payload, ev.Payload...)
			}
		}
	}
	return kinds, payload
}

func equalKinds(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// The client-side Parser never accepts a masked frame: its header decoder
// rejects the frame before any payload event is produced.
func TestParserRejectsMaskedFrame(t *testing.T) {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	payload := []byte("masked payload data")
	wire := frameBytes(true, OpcodeBinary, true, key, payload)

	p := NewParser()
	events, err := p.Feed(wire)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Kind != KindServerMasked {
		t.Fatalf("Feed: expected KindServerMasked, got %v", err)
	}

	for _, ev := range events {
		if ev.Kind == EventFramePayload {
			t.Errorf("masked frame produced payload %q", ev.Payload)
		}
	}
}

func TestParserMultipleFramesInOneFeed(t *testing.T) {
	wire := append(
		frameBytes(true, OpcodeText, false, [4]byte{}, []byte("one")),
		frameBytes(true, OpcodeBinary, false, [4]byte{}, []byte("two"))...,
	)

	p := NewParser()
	events, err := p.Feed(wire)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}

	var begins int
	for _, ev := range events {
		if ev.Kind == EventFrameBegin {
			begins++
		}
	}
	if begins != 2 {
		t.Errorf("got %d frame-begin events, want 2", begins)
	}
}

func TestParserRejectsBadOpcode(t *testing.T) {
	wire := []byte{0x80 | 0x03, 0x00} // fin, reserved opcode 3
	p := NewParser()
	_, err := p.Feed(wire)
	if err == nil {
		t.Fatal("expected error for reserved opcode")
	}
}

func TestParserResetDiscardsInFlightFrame(t *testing.T) {
	wire := frameBytes(true, OpcodeBinary, false, [4]byte{}, []byte("hello world"))
	p := NewParser()

	if _, err := p.Feed(wire[:4]); err != nil {
		t.Fatalf("Feed partial: %v", err)
	}
	p.Reset()

	events, err := p.Feed(wire)
	if err != nil {
		t.Fatalf("Feed after reset: %v", err)
	}
	if len(events) == 0 || events[0].Kind != EventFrameBegin {
		t.Fatalf("expected a fresh frame-begin after reset, got %v", events)
	}
}
