// Package rlp implements the recursive-length-prefix encoding used for all
// wire payloads and the persisted peer list. The encoding is self-describing:
// every value is either a byte string or a list of values, each preceded by
// a header that gives its kind and length.
//
// Header layout:
//
//	0x00-0x7f          single byte, value is the byte itself
//	0x80-0xb7          byte string 0-55 bytes long, low 7 bits give length
//	0xb8-0xbf          byte string longer than 55 bytes, the header minus
//	                   0xb7 (1-8) gives the number of bytes (big-endian)
//	                   that follow and themselves encode the length
//	0xc0-0xf7          list with payload 0-55 bytes long
//	0xf8-0xff          list with payload longer than 55 bytes, same
//	                   long-form length encoding as byte strings
package rlp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
)

var (
	// ErrExpectedString is returned when a list header is found where a
	// byte string was expected.
	ErrExpectedString = errors.New("rlp: expected string or byte")
	// ErrExpectedList is returned when a byte string header is found where
	// a list was expected.
	ErrExpectedList = errors.New("rlp: expected list")
	// ErrCanonSize is returned when a length prefix is not minimal.
	ErrCanonSize = errors.New("rlp: non-canonical size information")
	// ErrElemTooLarge is returned when decoding a value with a declared
	// payload larger than the reader has guaranteed to deliver.
	ErrElemTooLarge = errors.New("rlp: element is larger than containing list")
)

// ByteReader is the interface required by the decoder. It is implemented by
// bufio.Reader and bytes.Reader.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// Encode writes the RLP encoding of val to w. Supported types are:
// uint64 and smaller unsigned integers, *big.Int, []byte, string, bool,
// and any type implementing Encoder.
func Encode(w io.Writer, val interface{}) error {
	b, err := EncodeToBytes(val)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// EncodeToBytes returns the RLP encoding of val.
func EncodeToBytes(val interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := encodeValue(buf, val); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder is implemented by types that know how to encode themselves as a
// single RLP value (a byte string or a list).
type Encoder interface {
	EncodeRLP() ([]byte, error)
}

func encodeValue(buf *bytes.Buffer, val interface{}) error {
	switch v := val.(type) {
	case Encoder:
		enc, err := v.EncodeRLP()
		if err != nil {
			return err
		}
		buf.Write(enc)
		return nil
	case []byte:
		encodeBytes(buf, v)
		return nil
	case string:
		encodeBytes(buf, []byte(v))
		return nil
	case bool:
		if v {
			encodeBytes(buf, []byte{1})
		} else {
			encodeBytes(buf, nil)
		}
		return nil
	case uint:
		return encodeValue(buf, uint64(v))
	case uint8:
		return encodeValue(buf, uint64(v))
	case uint16:
		return encodeValue(buf, uint64(v))
	case uint32:
		return encodeValue(buf, uint64(v))
	case uint64:
		encodeBytes(buf, uintToBytes(v))
		return nil
	case int:
		return encodeValue(buf, uint64(v))
	case *big.Int:
		if v == nil {
			encodeBytes(buf, nil)
			return nil
		}
		encodeBytes(buf, v.Bytes())
		return nil
	case List:
		return encodeList(buf, v...)
	case []interface{}:
		return encodeList(buf, v...)
	case [][]byte:
		items := make([]interface{}, len(v))
		for i, b := range v {
			items[i] = b
		}
		return encodeList(buf, items...)
	case []string:
		items := make([]interface{}, len(v))
		for i, s := range v {
			items[i] = s
		}
		return encodeList(buf, items...)
	default:
		return fmt.Errorf("rlp: unsupported type %T", val)
	}
}

// List is a slice of already-typed values to be encoded as an RLP list.
type List []interface{}

func encodeList(buf *bytes.Buffer, items ...interface{}) error {
	inner := new(bytes.Buffer)
	for _, item := range items {
		if err := encodeValue(inner, item); err != nil {
			return err
		}
	}
	writeHeader(buf, 0xc0, 0xf7, inner.Len())
	buf.Write(inner.Bytes())
	return nil
}

func encodeBytes(buf *bytes.Buffer, b []byte) {
	if len(b) == 1 && b[0] < 0x80 {
		buf.WriteByte(b[0])
		return
	}
	writeHeader(buf, 0x80, 0xb7, len(b))
	buf.Write(b)
}

func writeHeader(buf *bytes.Buffer, shortBase, longBase byte, size int) {
	if size < 56 {
		buf.WriteByte(shortBase + byte(size))
		return
	}
	lenBytes := uintToBytes(uint64(size))
	buf.WriteByte(longBase + byte(len(lenBytes)))
	buf.Write(lenBytes)
}

// uintToBytes returns the minimal big-endian representation of v, with no
// leading zero byte (zero itself encodes as an empty slice).
func uintToBytes(v uint64) []byte {
	if v == 0 {
		return nil
	}
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	return tmp[i:]
}
