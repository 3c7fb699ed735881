package bufchan

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSendRecvRoundTrip(t *testing.T) {
	ctx := context.Background()
	w, r := New()

	sent := [][]byte{[]byte("foo"), []byte("bar"), []byte("baz")}
	done := make(chan error, 1)
	go func() {
		for _, chunk := range sent {
			if err := w.Send(ctx, chunk); err != nil {
				done <- err
				return
			}
		}
		done <- w.SendEOF(ctx)
	}()

	var got []byte
	for {
		chunk, err := r.Recv(ctx)
		if err != nil {
			t.Fatalf("recv failed: %v", err)
		}
		if len(chunk) == 0 {
			break
		}
		got = append(got, chunk...)
	}
	if err := <-done; err != nil {
		t.Fatalf("writer failed: %v", err)
	}
	if !bytes.Equal(got, []byte("foobarbaz")) {
		t.Errorf("got %q", got)
	}
	if w.BytesWritten() != 9 {
		t.Errorf("expected 9 bytes written, got %d", w.BytesWritten())
	}
}

func TestWriterDroppedBeforeEOF(t *testing.T) {
	ctx := context.Background()
	w, r := New()

	if err := w.Send(ctx, []byte("partial")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	_ = w.Close()

	if chunk, err := r.Recv(ctx); err != nil || string(chunk) != "partial" {
		t.Fatalf("first recv = %q, %v", chunk, err)
	}
	if _, err := r.Recv(ctx); err == nil {
		t.Fatal("expected error after writer dropped without EOF")
	}
}

func TestReaderDroppedBeforeEOF(t *testing.T) {
	ctx := context.Background()
	w, r := New()
	_ = r.Close()

	if err := w.SendEOF(ctx); err == nil {
		t.Fatal("expected SendEOF to fail after reader dropped")
	}
}

func TestReaderDropUnblocksSend(t *testing.T) {
	ctx := context.Background()
	w, r := New()

	// Fill the buffer so the next send blocks.
	for i := 0; i < chunkBuffer; i++ {
		if err := w.Send(ctx, []byte{1}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	errCh := make(chan error, 1)
	go func() { errCh <- w.Send(ctx, []byte{2}) }()

	time.Sleep(10 * time.Millisecond)
	_ = r.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected blocked send to fail once reader closed")
		}
	case <-time.After(time.Second):
		t.Fatal("send did not unblock")
	}
}

func TestSendEmptyChunkRejected(t *testing.T) {
	w, _ := New()
	if err := w.Send(context.Background(), nil); err == nil {
		t.Fatal("expected empty send to be rejected")
	}
}

func TestTakeSlicesOversizedChunk(t *testing.T) {
	ctx := context.Background()
	w, r := New()
	go func() {
		_ = w.Send(ctx, []byte("0123456789"))
		_ = w.SendEOF(ctx)
	}()

	first, err := r.Take(ctx, 4)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if string(first) != "0123" {
		t.Errorf("first take = %q", first)
	}
	rest, err := r.Take(ctx, 100)
	if err != nil {
		t.Fatalf("second take failed: %v", err)
	}
	if string(rest) != "456789" {
		t.Errorf("second take = %q", rest)
	}
	eof, err := r.Take(ctx, 10)
	if err != nil || len(eof) != 0 {
		t.Errorf("expected EOF, got %q, %v", eof, err)
	}
}

func TestTakeSpansChunks(t *testing.T) {
	ctx := context.Background()
	w, r := New()
	go func() {
		_ = w.Send(ctx, []byte("abc"))
		_ = w.Send(ctx, []byte("defgh"))
		_ = w.Send(ctx, []byte("ij"))
		_ = w.SendEOF(ctx)
	}()

	got, err := r.Take(ctx, 7)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if string(got) != "abcdefg" {
		t.Errorf("take = %q", got)
	}
	rest, err := r.CollectAll(ctx, 0)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if string(rest) != "hij" {
		t.Errorf("rest = %q", rest)
	}
}

func TestCollectAllSingleChunkZeroCopy(t *testing.T) {
	ctx := context.Background()
	w, r := New()
	payload := []byte("only-chunk")
	go func() {
		_ = w.Send(ctx, payload)
		_ = w.SendEOF(ctx)
	}()

	got, err := r.CollectAll(ctx, len(payload))
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if &got[0] != &payload[0] {
		t.Error("expected single-chunk collect to avoid copying")
	}
}

func TestSetCloseAfterSize(t *testing.T) {
	ctx := context.Background()
	w, r := New()
	r.SetCloseAfterSize(4)

	go func() {
		_ = w.Send(ctx, []byte("abcd"))
	}()

	chunk, err := r.Recv(ctx)
	if err != nil || string(chunk) != "abcd" {
		t.Fatalf("recv = %q, %v", chunk, err)
	}
	// The reader hit its expected size; dropping it must not be treated as
	// an error by the writer.
	_ = r.Close()
	if err := w.SendEOF(ctx); err != nil {
		t.Fatalf("expected clean EOF handshake after close_after_size, got %v", err)
	}
}

func TestForward(t *testing.T) {
	ctx := context.Background()
	srcW, srcR := New()
	dstW, dstR := New()

	go func() {
		_ = srcW.Send(ctx, []byte("hello "))
		_ = srcW.Send(ctx, []byte("world"))
		_ = srcW.SendEOF(ctx)
	}()
	go func() {
		_ = dstW.Forward(ctx, srcR, true)
	}()

	got, err := dstR.CollectAll(ctx, 0)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("forwarded = %q", got)
	}
}
