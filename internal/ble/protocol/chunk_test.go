// internal/ble/protocol/chunk_test.go
package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestChunkFitsInOne(t *testing.T) {
	chunks := Chunk([]byte("IV:0123456789abcdef"), MTU)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestChunkEmpty(t *testing.T) {
	if chunks := Chunk(nil, MTU); chunks != nil {
		t.Errorf("Chunk(nil) = %v, want nil", chunks)
	}
}

func TestChunkZeroSize(t *testing.T) {
	if chunks := Chunk([]byte("hello"), 0); chunks != nil {
		t.Errorf("Chunk with size=0 should return nil, got %v", chunks)
	}
}

func TestChunkCountIsCeiling(t *testing.T) {
	for _, n := range []int{1, 19, 20, 21, 39, 40, 41, 64, 100} {
		data := []byte(strings.Repeat("a", n))
		chunks := Chunk(data, MTU)
		want := (n + MTU - 1) / MTU
		if len(chunks) != want {
			t.Errorf("len=%d: got %d chunks, want %d", n, len(chunks), want)
		}
		for i, c := range chunks {
			if len(c) > MTU {
				t.Errorf("len=%d: chunk[%d] len=%d exceeds %d", n, i, len(c), MTU)
			}
		}
		if !bytes.Equal(bytes.Join(chunks, nil), data) {
			t.Errorf("len=%d: reassembled bytes differ", n)
		}
	}
}

func TestChunkDoesNotAliasAppend(t *testing.T) {
	data := []byte(strings.Repeat("b", 30))
	chunks := Chunk(data, MTU)
	_ = append(chunks[0], 'X')
	if data[MTU] != 'b' {
		t.Error("appending to a chunk overwrote the next chunk's bytes")
	}
}
