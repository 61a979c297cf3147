package p2p

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x01},
		bytes.Repeat([]byte{0xab}, 300),
		bytes.Repeat([]byte{0xcd}, 70000),
	}
	for _, p := range payloads {
		frame := newFrame(p)
		n, err := unsealHeader(frame[:frameHeaderSize])
		if err != nil {
			t.Fatalf("unseal: %v", err)
		}
		if int(n) != len(p) {
			t.Fatalf("length mismatch: got %d want %d", n, len(p))
		}
		if !bytes.Equal(frame[frameHeaderSize:], p) {
			t.Fatalf("payload mismatch")
		}
	}
}

// TestFrameFuzzBadHeaders injects 10000 headers, two in three with correct
// sync bytes (one third with a payload length within the cap, one third
// beyond it) and the rest random with the sync bytes forced wrong, and
// checks that exactly the well-formed ones parse.
func TestFrameFuzzBadHeaders(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var wantOK, wantBad int
	for i := 0; i < 10000; i++ {
		header := make([]byte, frameHeaderSize)
		switch i % 3 {
		case 0:
			copy(header[:4], syncToken[:])
			binary.BigEndian.PutUint32(header[4:8], rng.Uint32()%maxFramePayload)
			wantOK++
		case 1:
			copy(header[:4], syncToken[:])
			binary.BigEndian.PutUint32(header[4:8], maxFramePayload+1+rng.Uint32()%1000)
			wantBad++
		default:
			rng.Read(header)
			if [4]byte(header[:4]) == syncToken {
				header[0] ^= 0xff // force a magic mismatch
			}
			wantBad++
		}
		n, err := unsealHeader(header)
		switch i % 3 {
		case 0:
			if err != nil {
				t.Fatalf("case %d: expected success, got %v", i, err)
			}
			if n > maxFramePayload {
				t.Fatalf("case %d: accepted oversized length %d", i, n)
			}
		default:
			if err == nil {
				t.Fatalf("case %d: expected failure, got length %d", i, n)
			}
		}
	}
	if wantOK == 0 || wantBad == 0 {
		t.Fatalf("test setup produced no variety: ok=%d bad=%d", wantOK, wantBad)
	}
}
