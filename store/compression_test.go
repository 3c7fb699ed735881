package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/gurre/remexec/digest"
)

func TestCompressionRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewCompression(inner, 0)
	payload := []byte("123")
	d := digest.MustNew(validHash1, 100)

	if err := UpdateBytes(ctx, s, d, payload); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, err := ReadAll(ctx, s, d, 0, -1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestCompressionPartialReads(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewCompression(inner, 10)
	raw := make([]byte, 30)
	for i := range raw {
		raw[i] = byte(i)
	}
	d := digest.MustNew(validHash1, 100)
	if err := UpdateBytes(ctx, s, d, raw); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Sweep offsets and window sizes across block boundaries: inclusive, on
	// the fence, and exclusive.
	for length := 0; length < len(raw)+5; length++ {
		for offset := 0; offset < len(raw); offset++ {
			got, err := ReadAll(ctx, s, d, int64(offset), int64(length))
			if err != nil {
				t.Fatalf("read(offset=%d, length=%d) failed: %v", offset, length, err)
			}
			end := offset + length
			if end > len(raw) {
				end = len(raw)
			}
			if !bytes.Equal(got, raw[offset:end]) {
				t.Fatalf("read(offset=%d, length=%d) = %v, want %v", offset, length, got, raw[offset:end])
			}
		}
	}
}

func TestCompressionLargeRandomRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewCompression(inner, 32*1024)
	rng := rand.New(rand.NewSource(1))
	payload := make([]byte, 2*1024*1024)
	rng.Read(payload)
	d := digest.MustNew(validHash1, 100)

	if err := UpdateBytes(ctx, s, d, payload); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, err := ReadAll(ctx, s, d, 0, -1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("large random round trip mismatch")
	}
}

func TestCompressionZeroBytes(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewCompression(inner, 0)
	d := digest.MustNew(validHash1, 0)

	if err := UpdateBytes(ctx, s, d, nil); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, err := ReadAll(ctx, s, d, 0, -1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty read, got %d bytes", len(got))
	}
}

func TestCompressionHeader(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	const blockSize = 150
	const maxInput = 1024 * 1024
	s := NewCompression(inner, blockSize)
	d := digest.MustNew(validHash1, 100)

	w, r := newPairForTest()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Update(ctx, d, r, MaxSize(maxInput)) }()
	if err := w.Send(ctx, []byte("123")); err != nil {
		t.Fatal(err)
	}
	if err := w.SendEOF(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stored, err := ReadAll(ctx, inner, d, 0, -1)
	if err != nil {
		t.Fatalf("inner read failed: %v", err)
	}
	if stored[0] != CurrentStreamFormatVersion {
		t.Errorf("header version = %d", stored[0])
	}
	if got := binary.LittleEndian.Uint32(stored[1:]); got != blockSize {
		t.Errorf("header block size = %d", got)
	}
	if got := binary.LittleEndian.Uint32(stored[5:]); got != uploadTypeMaxSize {
		t.Errorf("header upload type = %d", got)
	}
	if got := binary.LittleEndian.Uint32(stored[9:]); got != maxInput {
		t.Errorf("header upload size = %d", got)
	}

	footer, err := ParseFooter(stored)
	if err != nil {
		t.Fatalf("footer parse failed: %v", err)
	}
	if footer.IndexCount != 0 || len(footer.Indexes) != 0 {
		t.Errorf("expected no indexes for a single block, got %+v", footer)
	}
	if footer.UncompressedDataSize != 3 {
		t.Errorf("uncompressed size = %d", footer.UncompressedDataSize)
	}
	if footer.BlockSize != blockSize {
		t.Errorf("footer block size = %d", footer.BlockSize)
	}
}

func TestCompressionFooter(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	const blockSize = 32 * 1024
	s := NewCompression(inner, blockSize)

	// Half incompressible noise, half zeros: exercises both the compressed
	// and raw frame paths.
	payload := make([]byte, 256*1024)
	rng := rand.New(rand.NewSource(1))
	rng.Read(payload[:len(payload)/2])
	d := digest.MustNew(validHash1, 100)

	if err := UpdateBytes(ctx, s, d, payload); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stored, err := ReadAll(ctx, inner, d, 0, -1)
	if err != nil {
		t.Fatalf("inner read failed: %v", err)
	}
	footer, err := ParseFooter(stored)
	if err != nil {
		t.Fatalf("footer parse failed: %v", err)
	}
	// 8 blocks of 32 KiB; the final block has no index entry.
	if footer.IndexCount != 7 {
		t.Errorf("index count = %d, want 7", footer.IndexCount)
	}
	if footer.UncompressedDataSize != 262144 {
		t.Errorf("uncompressed size = %d, want 262144", footer.UncompressedDataSize)
	}
	if footer.Version != CurrentStreamFormatVersion {
		t.Errorf("footer version = %d", footer.Version)
	}
	if footer.BlockSize != blockSize {
		t.Errorf("footer block size = %d", footer.BlockSize)
	}

	// Walking the prefix sums from the header must land exactly on the
	// footer frame.
	pos := int64(compressionHeaderSize)
	for _, delta := range footer.Indexes {
		pos += int64(delta)
	}
	footerStart := int64(len(stored)) - footerFrameSize(len(footer.Indexes))
	if pos >= footerStart {
		t.Errorf("last block start %d is past footer start %d", pos, footerStart)
	}
	if stored[footerStart] != FooterFrameType {
		t.Errorf("expected footer frame type at %d", footerStart)
	}

	got, err := ReadAll(ctx, s, d, 0, -1)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("round trip mismatch")
	}
}

func TestCompressionChunkFrameWireShape(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewCompression(inner, 10)
	// Three blocks of distinct bytes: no repeats for LZ4 to match, so each
	// block is stored as a raw frame of exactly type byte + payload.
	raw := make([]byte, 30)
	for i := range raw {
		raw[i] = byte(i)
	}
	d := digest.MustNew(validHash1, 100)
	if err := UpdateBytes(ctx, s, d, raw); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stored, err := ReadAll(ctx, inner, d, 0, -1)
	if err != nil {
		t.Fatalf("inner read failed: %v", err)
	}
	footer, err := ParseFooter(stored)
	if err != nil {
		t.Fatalf("footer parse failed: %v", err)
	}
	if len(footer.Indexes) != 2 {
		t.Fatalf("index count = %d, want 2", len(footer.Indexes))
	}

	// Walk the body frames by footer deltas alone: each frame is a type
	// byte followed directly by its payload, no length field.
	footerStart := int64(len(stored)) - footerFrameSize(len(footer.Indexes))
	starts := []int64{compressionHeaderSize}
	for _, delta := range footer.Indexes {
		starts = append(starts, starts[len(starts)-1]+int64(delta))
	}
	starts = append(starts, footerStart)
	for block := 0; block < 3; block++ {
		frame := stored[starts[block]:starts[block+1]]
		if frame[0] != rawChunkFrameType {
			t.Fatalf("block %d frame type = %d, want raw", block, frame[0])
		}
		if !bytes.Equal(frame[1:], raw[block*10:(block+1)*10]) {
			t.Errorf("block %d payload does not follow the type byte directly", block)
		}
	}
	if stored[footerStart] != FooterFrameType {
		t.Errorf("expected footer frame type at %d", footerStart)
	}
}
