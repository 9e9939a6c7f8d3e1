// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package gcm

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatal(err)
	}
	iv, err := NewIV()
	if err != nil {
		t.Fatal(err)
	}

	message := []byte("Hello, world!")
	box, err := Seal(key, iv, nil, message)
	if err != nil {
		t.Fatal(err)
	}
	if len(box) != SealedSize(len(message)) {
		t.Fatalf("sealed size %d, want %d", len(box), SealedSize(len(message)))
	}

	opened, err := Open(key, iv, nil, box)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, message) {
		t.Fatalf("got %x, expected %x", opened, message)
	}
}

func TestOpenCorrupt(t *testing.T) {
	key, _ := NewKey()
	iv, _ := NewIV()
	box, err := Seal(key, iv, nil, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	box[0] ^= 0xff
	_, err = Open(key, iv, nil, box)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
}

func TestSplitTag(t *testing.T) {
	key, _ := NewKey()
	iv, _ := NewIV()
	message := []byte("split me")
	box, err := Seal(key, iv, nil, message)
	if err != nil {
		t.Fatal(err)
	}

	ct, tag, err := SplitTag(box)
	if err != nil {
		t.Fatal(err)
	}
	if len(tag) != TagSize {
		t.Fatalf("tag size %d", len(tag))
	}

	// Reassembling must still open.
	reassembled := append(append([]byte(nil), ct...), tag...)
	opened, err := Open(key, iv, nil, reassembled)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, message) {
		t.Fatal("not equal")
	}

	if _, _, err := SplitTag(make([]byte, TagSize-1)); err == nil {
		t.Fatal("expected error on short box")
	}
}

func TestAdditionalData(t *testing.T) {
	key, _ := NewKey()
	iv, _ := NewIV()
	box, err := Seal(key, iv, []byte("ad"), []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(key, iv, []byte("other"), box); !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen on wrong additional data", err)
	}
}
