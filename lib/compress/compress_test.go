// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"crypto/rand"
	"testing"
)

func TestTagString(t *testing.T) {
	tests := []struct {
		tag  Tag
		want string
	}{
		{None, "none"},
		{LZ4, "lz4"},
		{Zstd, "zstd"},
		{Tag(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.tag.String()
			if got != tt.want {
				t.Errorf("Tag(%d).String() = %q, want %q", tt.tag, got, tt.want)
			}
		})
	}
}

func TestParseTag(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		t.Run(name, func(t *testing.T) {
			tag, err := ParseTag(name)
			if err != nil {
				t.Fatalf("ParseTag(%q) failed: %v", name, err)
			}
			if tag.String() != name {
				t.Errorf("roundtrip: ParseTag(%q).String() = %q", name, tag.String())
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := ParseTag("gzip")
		if err == nil {
			t.Error("ParseTag(\"gzip\") should fail")
		}
	})
}

func TestCompressDecompressNone(t *testing.T) {
	data := []byte("uncompressed data should pass through unchanged")

	compressed, err := Compress(data, None)
	if err != nil {
		t.Fatalf("Compress(none) failed: %v", err)
	}

	if &compressed[0] != &data[0] {
		t.Error("None should return the same slice, not a copy")
	}

	decompressed, err := Decompress(compressed, None, len(data))
	if err != nil {
		t.Fatalf("Decompress(none) failed: %v", err)
	}

	if string(decompressed) != string(data) {
		t.Error("none compression roundtrip failed")
	}
}

func TestCompressDecompressNoneSizeMismatch(t *testing.T) {
	data := []byte("five bytes extra")

	_, err := Decompress(data, None, len(data)+5)
	if err == nil {
		t.Error("Decompress(none) should fail when size does not match")
	}
}

func TestCompressDecompressLZ4(t *testing.T) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 17)
	}

	compressed, err := Compress(data, LZ4)
	if err != nil {
		t.Fatalf("Compress(lz4) failed: %v", err)
	}

	if len(compressed) >= len(data) {
		t.Errorf("LZ4 did not compress: %d bytes -> %d bytes", len(data), len(compressed))
	}

	decompressed, err := Decompress(compressed, LZ4, len(data))
	if err != nil {
		t.Fatalf("Decompress(lz4) failed: %v", err)
	}

	for i := range data {
		if decompressed[i] != data[i] {
			t.Fatalf("LZ4 roundtrip mismatch at byte %d", i)
		}
	}
}

func TestCompressDecompressZstd(t *testing.T) {
	data := []byte(`{"path":"/a/x","size":12345,"digest":"abcdef1234567890abcdef1234567890"}`)
	repeated := make([]byte, 0, 64*1024)
	for len(repeated) < 64*1024 {
		repeated = append(repeated, data...)
	}

	compressed, err := Compress(repeated, Zstd)
	if err != nil {
		t.Fatalf("Compress(zstd) failed: %v", err)
	}

	if len(compressed) >= len(repeated) {
		t.Errorf("Zstd did not compress: %d bytes -> %d bytes", len(repeated), len(compressed))
	}

	ratio := float64(len(repeated)) / float64(len(compressed))
	if ratio < 2.0 {
		t.Errorf("Zstd compression ratio %.2fx is unexpectedly low for repetitive JSON", ratio)
	}

	decompressed, err := Decompress(compressed, Zstd, len(repeated))
	if err != nil {
		t.Fatalf("Decompress(zstd) failed: %v", err)
	}

	for i := range repeated {
		if decompressed[i] != repeated[i] {
			t.Fatalf("Zstd roundtrip mismatch at byte %d", i)
		}
	}
}

func TestCompressIncompressibleLZ4(t *testing.T) {
	data := make([]byte, 64*1024)
	rand.Read(data)

	_, err := Compress(data, LZ4)
	if err == nil {
		t.Fatal("LZ4 should return incompressible error for random data")
	}
	if !IsIncompressible(err) {
		t.Errorf("expected incompressible error, got: %v", err)
	}
}

func TestCompressIncompressibleZstd(t *testing.T) {
	data := make([]byte, 64*1024)
	rand.Read(data)

	_, err := Compress(data, Zstd)
	if err == nil {
		t.Fatal("Zstd should return incompressible error for random data")
	}
	if !IsIncompressible(err) {
		t.Errorf("expected incompressible error, got: %v", err)
	}
}

func TestSelectKnownTypes(t *testing.T) {
	textTypes := []string{
		"text/plain", "application/json", "application/sql",
		"application/x-ndjson", "application/xml",
	}
	for _, contentType := range textTypes {
		tag := Select(nil, contentType)
		if tag != Zstd {
			t.Errorf("Select(contentType=%q) = %s, want zstd", contentType, tag)
		}
	}
}

func TestSelectProbe(t *testing.T) {
	compressible := make([]byte, 64*1024)
	for i := range compressible {
		compressible[i] = byte(i % 5)
	}
	tag := Select(compressible, "")
	if tag != Zstd {
		t.Errorf("Select(compressible) = %s, want zstd", tag)
	}

	random := make([]byte, 64*1024)
	rand.Read(random)
	tag = Select(random, "")
	if tag != None {
		t.Errorf("Select(random) = %s, want none", tag)
	}
}

func TestSelectEmpty(t *testing.T) {
	tag := Select(nil, "")
	if tag != None {
		t.Errorf("Select(empty) = %s, want none", tag)
	}
}

func TestCompressAutoFallback(t *testing.T) {
	data := make([]byte, 64*1024)
	rand.Read(data)

	compressed, tag, err := CompressAuto(data, "")
	if err != nil {
		t.Fatalf("CompressAuto failed: %v", err)
	}

	if tag != None {
		t.Errorf("tag = %s, want none for random data", tag)
	}

	if len(compressed) != len(data) {
		t.Errorf("compressed size %d != original %d for none", len(compressed), len(data))
	}
}

func TestCompressUnsupportedTag(t *testing.T) {
	_, err := Compress([]byte("data"), Tag(99))
	if err == nil {
		t.Error("Compress with unknown tag should fail")
	}
}

func TestDecompressUnsupportedTag(t *testing.T) {
	_, err := Decompress([]byte("data"), Tag(99), 4)
	if err == nil {
		t.Error("Decompress with unknown tag should fail")
	}
}

func BenchmarkCompressLZ4(b *testing.B) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 17)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for b.Loop() {
		Compress(data, LZ4)
	}
}

func BenchmarkDecompressLZ4(b *testing.B) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 17)
	}
	compressed, err := Compress(data, LZ4)
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for b.Loop() {
		Decompress(compressed, LZ4, len(data))
	}
}

func BenchmarkCompressZstd(b *testing.B) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 17)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for b.Loop() {
		Compress(data, Zstd)
	}
}

func BenchmarkDecompressZstd(b *testing.B) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 17)
	}
	compressed, err := Compress(data, Zstd)
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for b.Loop() {
		Decompress(compressed, Zstd, len(data))
	}
}
