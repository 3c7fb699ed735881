package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/gurre/remexec/digest"
)

func TestVerifySizeAcceptsExactSize(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewVerify(inner, true, false)
	payload := []byte("123456789")
	d := digest.MustNew(validHash1, int64(len(payload)))

	if err := UpdateBytes(ctx, s, d, payload); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, ok, _ := Has(ctx, inner, d); !ok {
		t.Error("expected backend to hold the object")
	}
}

func TestVerifySizeRejectsShortUpload(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewVerify(inner, true, false)
	d := digest.MustNew(validHash1, 100)

	err := UpdateBytes(ctx, s, d, []byte("too short"))
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, ok, _ := Has(ctx, inner, d); ok {
		t.Error("backend must not commit a size-mismatched object")
	}
}

func TestVerifySizeRejectsOversizedUpload(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewVerify(inner, true, false)
	d := digest.MustNew(validHash1, 3)

	w, r := newPairForTest()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Update(ctx, d, r, ExactSize(3)) }()
	// Feed more than the declared size; the verify layer must cut the
	// stream off rather than wait for an EOF that may never come.
	_ = w.Send(ctx, []byte("12"))
	_ = w.Send(ctx, []byte("3456"))
	err := <-errCh
	if err == nil {
		t.Fatal("expected oversize error")
	}
	if _, ok, _ := Has(ctx, inner, d); ok {
		t.Error("backend must not commit an oversized object")
	}
}

func TestVerifyHashAcceptsMatchingDigest(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewVerify(inner, false, true)
	payload := []byte("hello verify")
	d := digest.Compute(payload)

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

func TestVerifyHashRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewVerify(inner, false, true)
	d := digest.MustNew(validHash1, 5) // Not the hash of the payload.

	err := UpdateBytes(ctx, s, d, []byte("hello"))
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if _, ok, _ := Has(ctx, inner, d); ok {
		t.Error("backend must not commit a hash-mismatched object")
	}
}

func TestVerifyPassthroughWhenDisabled(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(EvictionPolicy{}, nil)
	s := NewVerify(inner, false, false)
	d := digest.MustNew(validHash1, 5)

	// Wrong size and hash, but verification is off.
	if err := UpdateBytes(ctx, s, d, []byte("xyz")); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}
