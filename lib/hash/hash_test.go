// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
)

func TestDomainKeysAreDistinct(t *testing.T) {
	input := []byte("the same input bytes for both domains")

	chunkDigest := Chunk(input)
	catalogDigest := Catalog(input)

	if chunkDigest == catalogDigest {
		t.Error("chunk and catalog domain produced the same digest for identical input")
	}
}

func TestDomainKeysAreDeterministic(t *testing.T) {
	input := []byte("deterministic input")

	d1 := Chunk(input)
	d2 := Chunk(input)
	if d1 != d2 {
		t.Error("Chunk produced different results for the same input")
	}

	c1 := Catalog(input)
	c2 := Catalog(input)
	if c1 != c2 {
		t.Error("Catalog produced different results for the same input")
	}
}

func TestDomainKeysDoNotOverlap(t *testing.T) {
	if chunkDomainKey == catalogDomainKey {
		t.Error("chunk and catalog domain keys are identical")
	}

	prefix := "catalogengine."
	for name, key := range map[string]domainKey{"chunk": chunkDomainKey, "catalog": catalogDomainKey} {
		keyString := string(key[:len(prefix)])
		if keyString != prefix {
			t.Errorf("domain key %s does not start with %q, got %q", name, prefix, keyString)
		}
	}
}

func TestChunkNonEmpty(t *testing.T) {
	digest := Chunk([]byte("some chunk data"))
	var zero Digest
	if digest == zero {
		t.Error("Chunk returned zero digest for non-empty input")
	}
}

func TestChunkEmptyInput(t *testing.T) {
	digest := Chunk(nil)
	var zero Digest
	if digest == zero {
		t.Error("Chunk returned zero digest for nil input")
	}

	digest2 := Chunk([]byte{})
	if digest2 == zero {
		t.Error("Chunk returned zero digest for empty slice")
	}

	if digest != digest2 {
		t.Error("Chunk(nil) != Chunk([]byte{})")
	}
}

func TestMerkleRootSingleDigest(t *testing.T) {
	digest := Chunk([]byte("only chunk"))
	root := MerkleRoot([]Digest{digest})

	if root != digest {
		t.Errorf("MerkleRoot of single digest: got %s, want %s",
			Format(root), Format(digest))
	}
}

func TestMerkleRootTwoDigests(t *testing.T) {
	d0 := Chunk([]byte("chunk 0"))
	d1 := Chunk([]byte("chunk 1"))

	root := MerkleRoot([]Digest{d0, d1})

	if root == d0 || root == d1 {
		t.Error("MerkleRoot of two digests collapsed to an input digest")
	}

	// Deterministic given the same pair.
	again := MerkleRoot([]Digest{d0, d1})
	if root != again {
		t.Error("MerkleRoot is not deterministic for the same pair")
	}
}

func TestMerkleRootOddCount(t *testing.T) {
	digests := make([]Digest, 3)
	for i := range digests {
		digests[i] = Chunk([]byte(fmt.Sprintf("chunk %d", i)))
	}

	root := MerkleRoot(digests)
	var zero Digest
	if root == zero {
		t.Error("MerkleRoot of 3 digests returned zero")
	}
}

func TestMerkleRootDeterministic(t *testing.T) {
	digests := make([]Digest, 17)
	for i := range digests {
		digests[i] = Chunk([]byte(fmt.Sprintf("chunk %d", i)))
	}

	root1 := MerkleRoot(digests)
	root2 := MerkleRoot(digests)
	if root1 != root2 {
		t.Error("MerkleRoot is not deterministic")
	}
}

func TestMerkleRootOrderMatters(t *testing.T) {
	d0 := Chunk([]byte("chunk A"))
	d1 := Chunk([]byte("chunk B"))

	forward := MerkleRoot([]Digest{d0, d1})
	reverse := MerkleRoot([]Digest{d1, d0})

	if forward == reverse {
		t.Error("MerkleRoot is order-independent; tree structure is broken")
	}
}

func TestMerkleRootDoesNotMutateInput(t *testing.T) {
	digests := []Digest{
		Chunk([]byte("a")),
		Chunk([]byte("b")),
		Chunk([]byte("c")),
	}

	saved := make([]Digest, len(digests))
	copy(saved, digests)

	MerkleRoot(digests)

	for i := range digests {
		if digests[i] != saved[i] {
			t.Errorf("MerkleRoot mutated input slice at index %d", i)
		}
	}
}

func TestMerkleRootPanicsOnEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MerkleRoot did not panic on empty input")
		}
	}()
	MerkleRoot(nil)
}

func TestFormat(t *testing.T) {
	digest := Chunk([]byte("test"))
	formatted := Format(digest)

	if len(formatted) != 64 {
		t.Errorf("Format length = %d, want 64", len(formatted))
	}

	if _, err := hex.DecodeString(formatted); err != nil {
		t.Errorf("Format produced invalid hex: %v", err)
	}
}

func TestParse(t *testing.T) {
	original := Chunk([]byte("roundtrip test"))
	formatted := Format(original)

	parsed, err := Parse(formatted)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed != original {
		t.Errorf("Parse roundtrip failed: got %s, want %s", Format(parsed), Format(original))
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too_short", "abcdef"},
		{"too_long", strings.Repeat("ab", 33)},
		{"invalid_hex", strings.Repeat("zz", 32)},
		{"odd_length", strings.Repeat("a", 63)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.input)
			}
		})
	}
}

func TestEndToEndBulkFile(t *testing.T) {
	// Scenario: bulk digest of a regular file equals the digest of its
	// compressed content — no extra wrapping layer.
	content := []byte("a small file that fits in one chunk")
	bulkDigest := Chunk(content)

	var zero Digest
	if bulkDigest == zero {
		t.Error("bulk digest is zero")
	}

	again := Chunk(content)
	if bulkDigest != again {
		t.Error("bulk digest is not deterministic for identical content")
	}
}

func TestEndToEndChunkedFile(t *testing.T) {
	chunks := [][]byte{
		[]byte("first chunk of a larger file"),
		[]byte("second chunk with different content"),
		[]byte("third and final chunk"),
	}

	digests := make([]Digest, len(chunks))
	for i, chunk := range chunks {
		digests[i] = Chunk(chunk)
	}

	root := MerkleRoot(digests)

	var zero Digest
	if root == zero {
		t.Error("merkle root over chunk digests is zero")
	}
	for _, d := range digests {
		if root == d {
			t.Error("merkle root collapsed to one of its inputs")
		}
	}
}

func BenchmarkChunk(b *testing.B) {
	sizes := []int{
		64,
		4 * 1024,
		8 * 1024,
		64 * 1024,
		128 * 1024,
		1024 * 1024,
	}

	for _, size := range sizes {
		input := make([]byte, size)
		for i := range input {
			input[i] = byte(i)
		}

		b.Run(fmt.Sprintf("size=%s", formatByteSize(size)), func(b *testing.B) {
			b.SetBytes(int64(size))
			b.ReportAllocs()

			for b.Loop() {
				Chunk(input)
			}
		})
	}
}

func BenchmarkMerkleRoot(b *testing.B) {
	counts := []int{1, 2, 4, 8, 16, 64, 256, 1024}

	for _, count := range counts {
		digests := make([]Digest, count)
		for i := range digests {
			digests[i] = Chunk([]byte(fmt.Sprintf("chunk %d", i)))
		}

		b.Run(fmt.Sprintf("chunks=%d", count), func(b *testing.B) {
			b.ReportAllocs()

			for b.Loop() {
				MerkleRoot(digests)
			}
		})
	}
}

func formatByteSize(bytes int) string {
	switch {
	case bytes >= 1024*1024:
		return fmt.Sprintf("%dMB", bytes/(1024*1024))
	case bytes >= 1024:
		return fmt.Sprintf("%dKB", bytes/1024)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
