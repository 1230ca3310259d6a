// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash computes the content digests used throughout the
// catalog engine: per-chunk digests and catalog snapshot digests. All
// digests are BLAKE3, keyed with a fixed per-domain key so that the
// same bytes never collide across unrelated uses (a chunk digest and
// a catalog snapshot digest live in disjoint spaces even if their
// contents happened to match).
package hash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest. Chunk digests and catalog
// snapshot digests are both this size.
type Digest [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// digests in different contexts, preventing cross-domain collisions.
type domainKey [32]byte

// Domain separation keys. These are fixed constants — changing them
// invalidates every digest already published in that domain. The byte
// values are the ASCII encoding of the domain name, zero-padded to 32
// bytes. Using readable ASCII makes the keys inspectable in hex dumps
// and debuggers without sacrificing any cryptographic property (BLAKE3
// keyed mode treats the key as an opaque 32-byte value).
var (
	chunkDomainKey = domainKey{
		'c', 'a', 't', 'a', 'l', 'o', 'g', 'e', 'n', 'g', 'i', 'n', 'e', '.',
		'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	catalogDomainKey = domainKey{
		'c', 'a', 't', 'a', 'l', 'o', 'g', 'e', 'n', 'g', 'i', 'n', 'e', '.',
		'c', 'a', 't', 'a', 'l', 'o', 'g', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// Chunk computes the content-address digest of a chunk's compressed
// bytes. This is the digest recorded in a chunk's (offset, size,
// digest) tuple, and for a bulk (unchunked) file, the digest of the
// entire compressed content — both are "one object's compressed
// bytes" from this function's point of view.
func Chunk(compressed []byte) Digest {
	return keyedHash(chunkDomainKey, compressed)
}

// Catalog computes the digest of a finalized catalog's serialized
// snapshot bytes. Used to address catalog objects in the manifest and
// in parent-catalog child links.
func Catalog(snapshot []byte) Digest {
	return keyedHash(catalogDomainKey, snapshot)
}

// MerkleRoot computes a binary Merkle tree over the given chunk
// digests and returns the root, using the chunk domain key. The tree
// is constructed bottom-up: adjacent pairs are concatenated and
// hashed. If a level has an odd number of nodes, the last node is
// promoted to the next level without hashing (it is NOT duplicated —
// duplicating would mean two different inputs produce the same root
// when one is a prefix of the other).
//
// This is not used to derive a chunked file's primary content digest
// (chunked files are identified by their ordered chunk list, not a
// single digest) — it is exposed as a verification helper, for
// computing a whole-file integrity digest over a chunk list
// independent of any single uploader's bookkeeping.
//
// Panics if digests is empty.
func MerkleRoot(digests []Digest) Digest {
	if len(digests) == 0 {
		panic("hash.MerkleRoot: empty digest list")
	}
	if len(digests) == 1 {
		return digests[0]
	}

	// Pre-create a single keyed hasher and reuse it via Reset() for
	// each pair. This avoids allocating a new Hasher per pair — the
	// dominant allocation source for large trees. Reset() preserves
	// the key; it returns the hasher to its initial keyed state.
	hasher, err := blake3.NewKeyed(chunkDomainKey[:])
	if err != nil {
		panic("hash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var combined [64]byte
	hashPair := func(left, right Digest) Digest {
		copy(combined[:32], left[:])
		copy(combined[32:], right[:])
		hasher.Reset()
		hasher.Write(combined[:])
		var result Digest
		copy(result[:], hasher.Sum(nil))
		return result
	}

	// Work on a copy to avoid mutating the caller's slice.
	level := make([]Digest, len(digests))
	copy(level, digests)

	for len(level) > 1 {
		nextLength := (len(level) + 1) / 2
		next := make([]Digest, nextLength)

		for i := 0; i < len(level)-1; i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}

		if len(level)%2 == 1 {
			next[nextLength-1] = level[len(level)-1]
		}

		level = next
	}

	return level[0]
}

// Format returns the hex-encoded string representation of a digest.
// This is the canonical format used in catalogs, manifests, logs, and
// CLI output.
func Format(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

// Parse parses a 64-character hex string into a Digest.
func Parse(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// keyedHash computes the BLAKE3 keyed digest with the given domain key.
func keyedHash(key domainKey, data []byte) Digest {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	// The error is only returned for wrong key length, so this cannot
	// fail with our fixed-size type.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("hash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
