package rlp

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
)

// Kind describes what a header introduces.
type Kind int

const (
	Byte Kind = iota
	String
	ListKind
)

// Stream decodes RLP values read from an underlying reader one at a time,
// tracking how many content bytes of the current list remain so that
// callers can walk a list element by element without buffering the whole
// thing.
type Stream struct {
	r ByteReader

	remaining uint64
	limited   bool

	// kindByte and haveKindByte cache the single byte already consumed by
	// readKind when it identifies a Byte-kind value, so Bytes/Uint don't
	// need to re-read it.
	kindByte     byte
	haveKindByte bool

	stack []listBudget // budget of each enclosing list, net of the list entered inside it
}

// listBudget is an enclosing level's byte budget as ListEnd restores it.
type listBudget struct {
	remaining uint64
	limited   bool
}

// NewStream creates a stream reading from r with no outer length limit.
func NewStream(r ByteReader) *Stream {
	return &Stream{r: r}
}

// NewListStream creates a stream that behaves as though r contained a
// single RLP list of inLen content bytes. This matches how a Msg's
// payload (which is exactly the list's content, sans the list header)
// is decoded.
func NewListStream(r io.Reader, inLen uint64) *Stream {
	br, ok := r.(ByteReader)
	if !ok {
		br = bufReader{r}
	}
	return &Stream{r: br, remaining: inLen, limited: true}
}

type bufReader struct{ io.Reader }

func (b bufReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.Reader, buf[:])
	return buf[0], err
}

func (s *Stream) readByte() (byte, error) {
	if s.limited && s.remaining == 0 {
		return 0, io.EOF
	}
	b, err := s.r.ReadByte()
	if err == nil && s.limited {
		s.remaining--
	}
	return b, err
}

func (s *Stream) readFull(buf []byte) error {
	if s.limited && uint64(len(buf)) > s.remaining {
		return ErrElemTooLarge
	}
	_, err := io.ReadFull(s.r, buf)
	if err == nil && s.limited {
		s.remaining -= uint64(len(buf))
	}
	return err
}

// readKind reads a value header and returns its kind and content size.
// For a single-byte value the byte is cached in kindByte; callers that
// consume String/Byte content must check haveKindByte first.
func (s *Stream) readKind() (Kind, uint64, error) {
	b, err := s.readByte()
	if err != nil {
		return 0, 0, err
	}
	switch {
	case b < 0x80:
		s.kindByte, s.haveKindByte = b, true
		return Byte, 1, nil
	case b < 0xb8:
		return String, uint64(b - 0x80), nil
	case b < 0xc0:
		n := int(b - 0xb7)
		size, err := s.readSize(n)
		return String, size, err
	case b < 0xf8:
		return ListKind, uint64(b - 0xc0), nil
	default:
		n := int(b - 0xf7)
		size, err := s.readSize(n)
		return ListKind, size, err
	}
}

func (s *Stream) readSize(n int) (uint64, error) {
	var buf [8]byte
	if err := s.readFull(buf[8-n:]); err != nil {
		return 0, err
	}
	var size uint64
	for _, b := range buf[8-n:] {
		size = size<<8 | uint64(b)
	}
	if size < 56 {
		return 0, ErrCanonSize
	}
	return size, nil
}

// List enters a list value, returning its content size. Subsequent reads
// are bounded by this size until ListEnd is called.
func (s *Stream) List() (uint64, error) {
	kind, size, err := s.readKind()
	if err != nil {
		return 0, err
	}
	if kind != ListKind {
		return 0, ErrExpectedList
	}
	outer := s.remaining
	if s.limited {
		if size > outer {
			return 0, ErrElemTooLarge
		}
		outer -= size
	}
	s.stack = append(s.stack, listBudget{remaining: outer, limited: s.limited})
	s.remaining = size
	s.limited = true
	return size, nil
}

// More reports whether the current list (entered via List, or the list a
// NewListStream stands for) has further elements to decode. It is
// meaningless on a NewStream outside of any list.
func (s *Stream) More() bool {
	return s.remaining > 0
}

// ListEnd restores the byte budget of the enclosing list after List, less
// the content of the list just finished.
func (s *Stream) ListEnd() {
	if len(s.stack) == 0 {
		return
	}
	top := s.stack[len(s.stack)-1]
	s.remaining, s.limited = top.remaining, top.limited
	s.stack = s.stack[:len(s.stack)-1]
}

// Remaining reports how many content bytes are left in the stream's
// current bound list (or outer limit, for a stream built with
// NewListStream). Callers that need to read the rest of a packet's
// payload verbatim use it together with ReadFull.
func (s *Stream) Remaining() uint64 {
	return s.remaining
}

// ReadFull reads exactly len(buf) bytes, bounded by the stream's current
// remaining budget.
func (s *Stream) ReadFull(buf []byte) error {
	return s.readFull(buf)
}

// Uint decodes the next value as an unsigned integer.
func (s *Stream) Uint() (uint64, error) {
	b, err := s.Bytes()
	if err != nil {
		return 0, err
	}
	if len(b) > 0 && b[0] == 0 {
		return 0, ErrCanonSize
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// Bytes decodes the next value as a byte string.
func (s *Stream) Bytes() ([]byte, error) {
	kind, size, err := s.readKind()
	if err != nil {
		return nil, err
	}
	if kind == ListKind {
		return nil, ErrExpectedString
	}
	if kind == Byte {
		b := s.kindByte
		s.haveKindByte = false
		return []byte{b}, nil
	}
	buf := make([]byte, size)
	if err := s.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// BigInt decodes the next value as a big.Int.
func (s *Stream) BigInt() (*big.Int, error) {
	b, err := s.Bytes()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// Decode populates val, which must be a pointer, by walking a fixed set of
// well-known shapes: *uint64, *[]byte, *string, *big.Int, a slice of
// pointers given as []interface{} (decoded as a nested list), or a type
// implementing Decoder.
func (s *Stream) Decode(val interface{}) error {
	switch v := val.(type) {
	case Decoder:
		return v.DecodeRLP(s)
	case *uint64:
		n, err := s.Uint()
		if err != nil {
			return err
		}
		*v = n
		return nil
	case *[]byte:
		b, err := s.Bytes()
		if err != nil {
			return err
		}
		*v = b
		return nil
	case *string:
		b, err := s.Bytes()
		if err != nil {
			return err
		}
		*v = string(b)
		return nil
	case *big.Int:
		b, err := s.BigInt()
		if err != nil {
			return err
		}
		v.Set(b)
		return nil
	case []interface{}:
		if _, err := s.List(); err != nil {
			return err
		}
		for _, elem := range v {
			if err := s.Decode(elem); err != nil {
				return err
			}
		}
		s.ListEnd()
		return nil
	case *[]string:
		if _, err := s.List(); err != nil {
			return err
		}
		var out []string
		for s.More() {
			b, err := s.Bytes()
			if err != nil {
				return err
			}
			out = append(out, string(b))
		}
		s.ListEnd()
		*v = out
		return nil
	default:
		return fmt.Errorf("rlp: unsupported decode target %T", val)
	}
}

// Decoder is implemented by types that know how to decode themselves from a
// Stream positioned at the start of their encoding.
type Decoder interface {
	DecodeRLP(*Stream) error
}

// DecodeBytes parses RLP data from b into val.
func DecodeBytes(b []byte, val interface{}) error {
	s := NewStream(bytes.NewReader(b))
	return s.Decode(val)
}
