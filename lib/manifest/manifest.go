// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest implements the signed top-level record that points
// at one repository's current state: its root catalog digest,
// revision, and the digest of its tag history, together with a
// signature binding those fields to the repository's publishing key.
package manifest

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/catalogengine/lib/hash"
)

// Manifest is the unsigned content of a repository's top-level
// record.
type Manifest struct {
	RootDigest     hash.Digest
	Revision       int64
	Timestamp      int64 // Unix seconds
	HistoryDigest  hash.Digest
	CatalogCount   int64
	RootCatalogSize int64
}

// Signed is a manifest together with its signature.
type Signed struct {
	Manifest  Manifest
	Signature []byte
}

// signedBytes fixes the exact byte sequence signed and verified: one
// newline-terminated line per field, in the order root digest (C), root
// catalog size (S), revision (R), timestamp (T), history digest (H) and
// catalog count (N), each a tag letter followed by decimal text or a
// hex-formatted digest. A line-oriented encoding
// (rather than CBOR) keeps the signed bytes human-inspectable, the
// same way the original's manifest line format is grep-able.
func (m Manifest) signedBytes() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "C%s\n", hash.Format(m.RootDigest))
	fmt.Fprintf(&b, "S%d\n", m.RootCatalogSize)
	fmt.Fprintf(&b, "R%d\n", m.Revision)
	fmt.Fprintf(&b, "T%d\n", m.Timestamp)
	fmt.Fprintf(&b, "H%s\n", hash.Format(m.HistoryDigest))
	fmt.Fprintf(&b, "N%d\n", m.CatalogCount)
	return []byte(b.String())
}

// Sign produces a signed manifest for root/history state using the
// repository's Ed25519 publishing key.
func Sign(m Manifest, private ed25519.PrivateKey) (*Signed, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("manifest: invalid private key size %d", len(private))
	}
	signature := ed25519.Sign(private, m.signedBytes())
	return &Signed{Manifest: m, Signature: signature}, nil
}

// Verify checks a signed manifest's signature against public. Returns
// an error if the signature does not verify.
func Verify(signed *Signed, public ed25519.PublicKey) error {
	if len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("manifest: invalid public key size %d", len(public))
	}
	if !ed25519.Verify(public, signed.Manifest.signedBytes(), signed.Signature) {
		return fmt.Errorf("manifest: signature verification failed")
	}
	return nil
}

// Encode renders a signed manifest to its wire text form: the signed
// fields followed by a signature line.
func (s *Signed) Encode() []byte {
	var b strings.Builder
	b.Write(s.Manifest.signedBytes())
	fmt.Fprintf(&b, "--\n%x\n", s.Signature)
	return []byte(b.String())
}

// Decode parses a manifest's wire text form.
func Decode(data []byte) (*Signed, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	var m Manifest
	var signature []byte
	var sawSeparator bool

	for _, line := range lines {
		if line == "--" {
			sawSeparator = true
			continue
		}
		if sawSeparator {
			sig, err := hex.DecodeString(line)
			if err != nil {
				return nil, fmt.Errorf("manifest: decoding signature: %w", err)
			}
			signature = sig
			continue
		}
		if len(line) == 0 {
			continue
		}
		tag, value := line[0], line[1:]
		var err error
		switch tag {
		case 'C':
			m.RootDigest, err = hash.Parse(value)
		case 'S':
			m.RootCatalogSize, err = strconv.ParseInt(value, 10, 64)
		case 'R':
			m.Revision, err = strconv.ParseInt(value, 10, 64)
		case 'T':
			m.Timestamp, err = strconv.ParseInt(value, 10, 64)
		case 'H':
			m.HistoryDigest, err = hash.Parse(value)
		case 'N':
			m.CatalogCount, err = strconv.ParseInt(value, 10, 64)
		default:
			err = fmt.Errorf("unrecognized field tag %q", tag)
		}
		if err != nil {
			return nil, fmt.Errorf("manifest: parsing field %q: %w", line, err)
		}
	}

	if signature == nil {
		return nil, fmt.Errorf("manifest: missing signature")
	}

	return &Signed{Manifest: m, Signature: signature}, nil
}

// New builds an unsigned manifest for the given root/history state,
// stamping the current time.
func New(rootDigest hash.Digest, revision int64, historyDigest hash.Digest, catalogCount, rootCatalogSize int64) Manifest {
	return NewAt(rootDigest, revision, historyDigest, catalogCount, rootCatalogSize, time.Now().Unix())
}

// NewAt builds an unsigned manifest stamped with an explicit time
// instead of the current time, so callers with an injected clock
// (tests, or a daemon using lib/clock for determinism) can control it.
func NewAt(rootDigest hash.Digest, revision int64, historyDigest hash.Digest, catalogCount, rootCatalogSize, timestamp int64) Manifest {
	return Manifest{
		RootDigest:      rootDigest,
		Revision:        revision,
		Timestamp:       timestamp,
		HistoryDigest:   historyDigest,
		CatalogCount:    catalogCount,
		RootCatalogSize: rootCatalogSize,
	}
}
