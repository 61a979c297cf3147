package rlp

import (
	"bytes"
	"math/big"
	"testing"
)

func TestEncodeDecodeBytes(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0x7f},
		{0x80},
		[]byte("dog"),
		bytes.Repeat([]byte{0xaa}, 55),
		bytes.Repeat([]byte{0xaa}, 56),
		bytes.Repeat([]byte{0xaa}, 1024),
	}
	for _, want := range cases {
		enc, err := EncodeToBytes(want)
		if err != nil {
			t.Fatalf("encode %d bytes: %v", len(want), err)
		}
		var got []byte
		if err := DecodeBytes(enc, &got); err != nil {
			t.Fatalf("decode %d bytes: %v", len(want), err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("roundtrip mismatch: got %x want %x", got, want)
		}
	}
}

func TestEncodeDecodeUint(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 255, 256, 1 << 32, ^uint64(0)}
	for _, want := range cases {
		enc, err := EncodeToBytes(want)
		if err != nil {
			t.Fatalf("encode %d: %v", want, err)
		}
		var got uint64
		if err := DecodeBytes(enc, &got); err != nil {
			t.Fatalf("decode %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("roundtrip mismatch: got %d want %d", got, want)
		}
	}
}

func TestEncodeDecodeList(t *testing.T) {
	enc, err := EncodeToBytes(List{uint64(42), []byte("cat"), List{uint64(1), uint64(2)}})
	if err != nil {
		t.Fatal(err)
	}
	var a, c uint64
	var b []byte
	var d, e uint64
	if err := DecodeBytes(enc, []interface{}{&a, &b, []interface{}{&d, &e}}); err != nil {
		t.Fatal(err)
	}
	if a != 42 || string(b) != "cat" || d != 1 || e != 2 {
		t.Fatalf("got a=%d b=%q d=%d e=%d", a, b, d, e)
	}
	_ = c
}

func TestEncodeDecodeBigInt(t *testing.T) {
	want := new(big.Int).SetUint64(1<<63 + 17)
	enc, err := EncodeToBytes(want)
	if err != nil {
		t.Fatal(err)
	}
	got := new(big.Int)
	if err := DecodeBytes(enc, got); err != nil {
		t.Fatal(err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("got %v want %v", got, want)
	}
}
