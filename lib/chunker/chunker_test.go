// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunker

import (
	"crypto/rand"
	"fmt"
	"testing"
)

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"default", DefaultParams, false},
		{"min_zero", Params{Min: 0, Avg: 64 * 1024, Max: 128 * 1024}, true},
		{"avg_below_min", Params{Min: 8 * 1024, Avg: 4 * 1024, Max: 128 * 1024}, true},
		{"max_below_avg", Params{Min: 8 * 1024, Avg: 64 * 1024, Max: 32 * 1024}, true},
		{"all_equal", Params{Min: 64 * 1024, Avg: 64 * 1024, Max: 64 * 1024}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChunkerEmpty(t *testing.T) {
	chunker := New(nil, DefaultParams)
	if chunk := chunker.Next(); chunk != nil {
		t.Errorf("expected nil for empty input, got chunk of %d bytes", len(chunk.Data))
	}

	chunker2 := New([]byte{}, DefaultParams)
	if chunk := chunker2.Next(); chunk != nil {
		t.Errorf("expected nil for zero-length input, got chunk of %d bytes", len(chunk.Data))
	}
}

func TestChunkerSmallInput(t *testing.T) {
	// Input smaller than Min: should produce exactly one chunk.
	input := make([]byte, 1024)
	for i := range input {
		input[i] = byte(i)
	}

	chunker := New(input, DefaultParams)
	chunk := chunker.Next()
	if chunk == nil {
		t.Fatal("expected a chunk, got nil")
	}
	if len(chunk.Data) != 1024 {
		t.Errorf("chunk size = %d, want 1024", len(chunk.Data))
	}
	if chunk.Offset != 0 {
		t.Errorf("chunk offset = %d, want 0", chunk.Offset)
	}

	if next := chunker.Next(); next != nil {
		t.Errorf("expected nil after single small chunk, got chunk of %d bytes", len(next.Data))
	}
}

func TestChunkerMinChunkSize(t *testing.T) {
	// Input exactly at Min: should produce exactly one chunk (boundary
	// detection starts at Min, so a boundary can only occur at Min or
	// later).
	input := make([]byte, DefaultParams.Min)
	for i := range input {
		input[i] = byte(i)
	}

	chunks := All(input, DefaultParams)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for Min-sized input, got %d", len(chunks))
	}
}

func TestChunkerMaxChunkSize(t *testing.T) {
	// All-zero input: no chunk should exceed Max regardless of content.
	input := make([]byte, DefaultParams.Max*3)

	chunks := All(input, DefaultParams)
	for i, chunk := range chunks {
		if len(chunk.Data) > DefaultParams.Max {
			t.Errorf("chunk %d: size %d exceeds Max %d", i, len(chunk.Data), DefaultParams.Max)
		}
	}
}

func TestChunkerReassembly(t *testing.T) {
	input := make([]byte, 512*1024)
	for i := range input {
		input[i] = byte(i * 37)
	}

	chunks := All(input, DefaultParams)
	if len(chunks) == 0 {
		t.Fatal("no chunks produced")
	}

	var reassembled []byte
	for _, chunk := range chunks {
		reassembled = append(reassembled, chunk.Data...)
	}

	if len(reassembled) != len(input) {
		t.Fatalf("reassembled length %d != input length %d", len(reassembled), len(input))
	}
	for i := range input {
		if reassembled[i] != input[i] {
			t.Fatalf("reassembled differs at byte %d: got %d, want %d", i, reassembled[i], input[i])
		}
	}
}

func TestChunkerDeterministic(t *testing.T) {
	input := make([]byte, 256*1024)
	for i := range input {
		input[i] = byte(i ^ 0xAB)
	}

	chunks1 := All(input, DefaultParams)
	chunks2 := All(input, DefaultParams)

	if len(chunks1) != len(chunks2) {
		t.Fatalf("chunk count differs: %d vs %d", len(chunks1), len(chunks2))
	}

	for i := range chunks1 {
		if len(chunks1[i].Data) != len(chunks2[i].Data) {
			t.Errorf("chunk %d: size %d vs %d", i, len(chunks1[i].Data), len(chunks2[i].Data))
		}
		if chunks1[i].Offset != chunks2[i].Offset {
			t.Errorf("chunk %d: offset mismatch", i)
		}
	}
}

func TestChunkerChunkSizeBounds(t *testing.T) {
	input := make([]byte, 4*1024*1024)
	rand.Read(input)

	chunks := All(input, DefaultParams)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for 4MB random input, got %d", len(chunks))
	}

	var totalSize int
	for i, chunk := range chunks {
		size := len(chunk.Data)
		totalSize += size

		if i < len(chunks)-1 {
			if size < DefaultParams.Min {
				t.Errorf("chunk %d: size %d is below Min %d (not the last chunk)", i, size, DefaultParams.Min)
			}
		}

		if size > DefaultParams.Max {
			t.Errorf("chunk %d: size %d exceeds Max %d", i, size, DefaultParams.Max)
		}
	}

	if totalSize != len(input) {
		t.Errorf("total chunk bytes %d != input length %d", totalSize, len(input))
	}

	expectedChunks := len(input) / DefaultParams.Avg
	if len(chunks) < expectedChunks/4 || len(chunks) > expectedChunks*4 {
		t.Errorf("chunk count %d is far from expected ~%d for %d bytes with %d target",
			len(chunks), expectedChunks, len(input), DefaultParams.Avg)
	}
}

func TestChunkerInsertionLocality(t *testing.T) {
	// The key property of CDC: inserting bytes at the beginning of the
	// input should only affect the first chunk or two.
	base := make([]byte, 2*1024*1024)
	lcg := uint64(0xDEADBEEF)
	for i := range base {
		lcg = lcg*6364136223846793005 + 1442695040888963407
		base[i] = byte(lcg >> 56)
	}

	modified := make([]byte, len(base)+16)
	for i := range modified[:16] {
		modified[i] = byte(i + 0xFF)
	}
	copy(modified[16:], base)

	baseChunks := All(base, DefaultParams)
	modifiedChunks := All(modified, DefaultParams)

	baseSizes := make(map[int]int, len(baseChunks))
	for _, chunk := range baseChunks {
		baseSizes[len(chunk.Data)]++
	}

	var shared int
	for _, chunk := range modifiedChunks {
		if baseSizes[len(chunk.Data)] > 0 {
			baseSizes[len(chunk.Data)]--
			shared++
		}
	}

	minExpectedShared := len(baseChunks) - 3
	if minExpectedShared < 0 {
		minExpectedShared = 0
	}
	if shared < minExpectedShared {
		t.Errorf("only %d/%d base chunks with a size match in modified output (expected >= %d); CDC locality is poor",
			shared, len(baseChunks), minExpectedShared)
	}
}

func TestAllEmptyInput(t *testing.T) {
	chunks := All(nil, DefaultParams)
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for nil input, got %d", len(chunks))
	}
}

func TestFindBoundaryShort(t *testing.T) {
	data := make([]byte, 1000)
	chunker := New(data, DefaultParams)
	boundary := chunker.findBoundary(data)
	if boundary != 1000 {
		t.Errorf("findBoundary(1000 bytes) = %d, want 1000", boundary)
	}
}

func TestFindBoundaryMaxChunk(t *testing.T) {
	data := make([]byte, DefaultParams.Max*2)
	chunker := New(data, DefaultParams)
	boundary := chunker.findBoundary(data)
	if boundary > DefaultParams.Max {
		t.Errorf("findBoundary exceeded Max: got %d", boundary)
	}
	if boundary < DefaultParams.Min {
		t.Errorf("findBoundary below Min: got %d", boundary)
	}
}

func TestCustomParams(t *testing.T) {
	// A much smaller average than default should yield proportionally
	// more chunks over the same input.
	small := Params{Min: 512, Avg: 2048, Max: 4096}
	input := make([]byte, 256*1024)
	rand.Read(input)

	chunks := All(input, small)
	for i, chunk := range chunks {
		if len(chunk.Data) > small.Max {
			t.Errorf("chunk %d: size %d exceeds custom Max %d", i, len(chunk.Data), small.Max)
		}
	}

	expected := len(input) / small.Avg
	if len(chunks) < expected/4 || len(chunks) > expected*4 {
		t.Errorf("chunk count %d is far from expected ~%d with custom params", len(chunks), expected)
	}
}

func TestGearTableLength(t *testing.T) {
	if len(gearTable) != 256 {
		t.Errorf("gearTable length = %d, want 256", len(gearTable))
	}
}

func TestGearTableNonZero(t *testing.T) {
	var nonZero int
	for _, entry := range gearTable {
		if entry != 0 {
			nonZero++
		}
	}
	if nonZero < 200 {
		t.Errorf("only %d/256 non-zero gear table entries; table may be corrupt", nonZero)
	}
}

func BenchmarkChunker(b *testing.B) {
	sizes := []int{
		64 * 1024,
		256 * 1024,
		1024 * 1024,
		4 * 1024 * 1024,
		64 * 1024 * 1024,
	}

	for _, size := range sizes {
		input := make([]byte, size)
		rand.Read(input)

		b.Run(fmt.Sprintf("size=%s", formatByteSize(size)), func(b *testing.B) {
			b.SetBytes(int64(size))
			b.ReportAllocs()

			var chunkCount int64
			for b.Loop() {
				chunkCount = 0
				chunker := New(input, DefaultParams)
				for chunker.Next() != nil {
					chunkCount++
				}
			}
			b.ReportMetric(float64(chunkCount), "chunks/op")
		})
	}
}

func BenchmarkFindBoundary(b *testing.B) {
	input := make([]byte, DefaultParams.Max*2)
	rand.Read(input)
	chunker := New(input, DefaultParams)

	b.SetBytes(int64(DefaultParams.Max))
	b.ReportAllocs()
	for b.Loop() {
		chunker.findBoundary(input)
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
