package utils

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressionRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 50))

	for _, algorithm := range []CompressionAlgorithm{CompressionGzip, CompressionZlib} {
		t.Run(string(algorithm), func(t *testing.T) {
			compressed, err := CompressData(payload, algorithm)
			if err != nil {
				t.Fatalf("CompressData: %v", err)
			}
			if len(compressed) >= len(payload) {
				t.Fatalf("repetitive payload should shrink: %d -> %d", len(payload), len(compressed))
			}

			restored, err := DecompressData(compressed, algorithm)
			if err != nil {
				t.Fatalf("DecompressData: %v", err)
			}
			if !bytes.Equal(restored, payload) {
				t.Fatal("round trip changed the payload")
			}
		})
	}
}

func TestCompressionNonePassthrough(t *testing.T) {
	payload := []byte("uncompressed bytes")

	compressed, err := CompressData(payload, CompressionNone)
	if err != nil {
		t.Fatalf("CompressData: %v", err)
	}
	if !bytes.Equal(compressed, payload) {
		t.Fatal("none codec should pass bytes through")
	}

	restored, err := DecompressData(compressed, CompressionNone)
	if err != nil {
		t.Fatalf("DecompressData: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Fatal("none codec should pass bytes through")
	}
}

func TestCompressionEmptyInput(t *testing.T) {
	// Empty payloads short-circuit before the algorithm is consulted.
	if out, err := CompressData(nil, "bogus"); err != nil || len(out) != 0 {
		t.Fatalf("empty compress: %v %v", out, err)
	}
	if out, err := DecompressData(nil, "bogus"); err != nil || len(out) != 0 {
		t.Fatalf("empty decompress: %v %v", out, err)
	}
}

func TestCompressionUnknownAlgorithm(t *testing.T) {
	if _, err := CompressData([]byte("data"), "lz4"); err == nil {
		t.Fatal("unknown algorithm should error")
	}
	if _, err := DecompressData([]byte("data"), "lz4"); err == nil {
		t.Fatal("unknown algorithm should error")
	}
}

func TestDecompressRejectsCorruptData(t *testing.T) {
	if _, err := DecompressData([]byte("definitely not gzip"), CompressionGzip); err == nil {
		t.Fatal("corrupt gzip data should error")
	}
	if _, err := DecompressData([]byte("definitely not zlib"), CompressionZlib); err == nil {
		t.Fatal("corrupt zlib data should error")
	}
}

func TestGetBestCompression(t *testing.T) {
	if got := GetBestCompression(make([]byte, compressionMinSize-1)); got != CompressionNone {
		t.Fatalf("small payload: got %q", got)
	}
	if got := GetBestCompression(make([]byte, compressionMinSize)); got != CompressionGzip {
		t.Fatalf("large payload: got %q", got)
	}
	if got := GetBestCompression(nil); got != CompressionNone {
		t.Fatalf("empty payload: got %q", got)
	}
}
