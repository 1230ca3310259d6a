// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"crypto/ed25519"
	"testing"

	"github.com/bureau-foundation/catalogengine/lib/hash"
)

func TestSignAndVerify(t *testing.T) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	m := New(hash.Catalog([]byte("root")), 1, hash.Catalog([]byte("history")), 3, 4096)
	signed, err := Sign(m, private)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(signed, public); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, private, _ := ed25519.GenerateKey(nil)
	otherPublic, _, _ := ed25519.GenerateKey(nil)

	m := New(hash.Catalog([]byte("root")), 1, hash.Catalog([]byte("history")), 1, 1)
	signed, err := Sign(m, private)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(signed, otherPublic); err == nil {
		t.Fatal("expected verification failure with wrong public key")
	}
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	public, private, _ := ed25519.GenerateKey(nil)

	m := New(hash.Catalog([]byte("root")), 1, hash.Catalog([]byte("history")), 1, 1)
	signed, err := Sign(m, private)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	signed.Manifest.Revision = 2
	if err := Verify(signed, public); err == nil {
		t.Fatal("expected verification failure after tampering with revision")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	_, private, _ := ed25519.GenerateKey(nil)

	m := New(hash.Catalog([]byte("root")), 5, hash.Catalog([]byte("history")), 2, 8192)
	signed, err := Sign(m, private)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	encoded := signed.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.Manifest.RootDigest != m.RootDigest {
		t.Error("root digest mismatch after round trip")
	}
	if decoded.Manifest.Revision != m.Revision {
		t.Errorf("revision = %d, want %d", decoded.Manifest.Revision, m.Revision)
	}
	if decoded.Manifest.CatalogCount != m.CatalogCount {
		t.Errorf("catalog count = %d, want %d", decoded.Manifest.CatalogCount, m.CatalogCount)
	}

	public := private.Public().(ed25519.PublicKey)
	if err := Verify(decoded, public); err != nil {
		t.Errorf("Verify after round trip: %v", err)
	}
}

func TestDecodeMissingSignatureFails(t *testing.T) {
	if _, err := Decode([]byte("C" + hash.Format(hash.Catalog([]byte("x"))) + "\n")); err == nil {
		t.Fatal("expected error for manifest with no signature")
	}
}

func TestDecodeUnrecognizedFieldFails(t *testing.T) {
	if _, err := Decode([]byte("Z garbage\n--\n00\n")); err == nil {
		t.Fatal("expected error for unrecognized field tag")
	}
}
