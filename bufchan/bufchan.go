// Package bufchan implements the bounded byte channel that connects the
// store drivers, the bytestream server, and the tee paths between them.
//
// A pair is single-producer single-consumer. The writer signals end of
// stream explicitly with SendEOF, which blocks until the reader acknowledges
// receipt. Closing either half before the EOF handshake completes surfaces
// an error on the opposite half, so a partially transferred object can never
// be mistaken for a complete one.
package bufchan

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gurre/remexec/errs"
)

// chunkBuffer is the channel capacity. Two in-flight chunks give the
// producing side a little runway while the consumer wakes up without
// buffering a meaningful amount of data.
const chunkBuffer = 2

type pipe struct {
	ch chan []byte

	// eofSent is set before ch is closed by SendEOF; if ch closes without
	// it, the writer was dropped mid-stream.
	eofSent atomic.Bool

	// readerGone unblocks a writer stuck in Send when the reader closes
	// early.
	readerGone chan struct{}

	// closeResult carries the reader's single verdict: nil once EOF (or the
	// configured byte count) was observed, an error if the reader closed
	// early. SendEOF blocks on it.
	closeResult chan error
	ackOnce     sync.Once
}

func (p *pipe) ack(err error) {
	p.ackOnce.Do(func() { p.closeResult <- err })
}

// Writer is the producing half of a pair.
type Writer struct {
	p            *pipe
	closed       bool
	bytesWritten int64
}

// Reader is the consuming half of a pair.
type Reader struct {
	p       *pipe
	partial []byte
	closed  bool

	// closeAfterSize < 0 means unset. Once that many bytes have been
	// received the stream is treated as cleanly closed.
	closeAfterSize int64
}

// New creates a connected Writer/Reader pair.
func New() (*Writer, *Reader) {
	p := &pipe{
		ch:          make(chan []byte, chunkBuffer),
		readerGone:  make(chan struct{}),
		closeResult: make(chan error, 1),
	}
	return &Writer{p: p}, &Reader{p: p, closeAfterSize: -1}
}

// Send delivers one non-empty chunk to the reader, blocking while the
// channel is at capacity. The chunk must not be mutated after Send returns.
func (w *Writer) Send(ctx context.Context, buf []byte) error {
	if w.closed {
		return errs.New(errs.Internal, "tried to send while stream is closed")
	}
	if len(buf) == 0 {
		return errs.New(errs.Internal, "cannot send an empty chunk, use SendEOF to close the stream")
	}
	select {
	case w.p.ch <- buf:
		w.bytesWritten += int64(len(buf))
		return nil
	case <-w.p.readerGone:
		w.closed = true
		return errs.New(errs.Internal, "failed to write data, receiver disconnected")
	case <-ctx.Done():
		return errs.New(errs.Internal, "send cancelled: %v", ctx.Err())
	}
}

// SendEOF closes the stream and waits for the reader to confirm it observed
// a clean end of stream. It fails if the reader went away first.
func (w *Writer) SendEOF(ctx context.Context) error {
	if w.closed {
		return errs.New(errs.Internal, "tried to send an EOF when pipe is broken")
	}
	w.closed = true
	w.p.eofSent.Store(true)
	close(w.p.ch)
	// Prefer a verdict that is already in flight over a racing cancellation.
	select {
	case err := <-w.p.closeResult:
		return err
	default:
	}
	select {
	case err := <-w.p.closeResult:
		return err
	case <-ctx.Done():
		return errs.New(errs.Internal, "EOF handshake cancelled: %v", ctx.Err())
	}
}

// Close abandons the stream without an EOF. The reader's next Recv reports
// that the writer was dropped. Closing after SendEOF is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.p.ch)
	return nil
}

// BytesWritten returns the number of payload bytes accepted by Send so far.
// It says nothing about how many the reader has consumed.
func (w *Writer) BytesWritten() int64 {
	return w.bytesWritten
}

// Forward pumps src into w until src reaches EOF, optionally forwarding the
// EOF itself.
func (w *Writer) Forward(ctx context.Context, src *Reader, forwardEOF bool) error {
	for {
		chunk, err := src.Recv(ctx)
		if err != nil {
			return errs.Wrap(err, "failed to forward message")
		}
		if len(chunk) == 0 {
			if forwardEOF {
				return w.SendEOF(ctx)
			}
			return nil
		}
		if err := w.Send(ctx, chunk); err != nil {
			return err
		}
	}
}

// Recv returns the next chunk. A clean EOF yields an empty chunk and nil
// error; a writer dropped without EOF yields an error.
func (r *Reader) Recv(ctx context.Context) ([]byte, error) {
	if r.closed {
		return nil, errs.New(errs.Internal, "recv on closed reader")
	}
	var chunk []byte
	if r.partial != nil {
		chunk, r.partial = r.partial, nil
	} else {
		var ok bool
		// Prefer delivered data over a racing cancellation.
		select {
		case chunk, ok = <-r.p.ch:
		default:
			select {
			case chunk, ok = <-r.p.ch:
			case <-ctx.Done():
				return nil, errs.New(errs.Internal, "recv cancelled: %v", ctx.Err())
			}
		}
		if !ok {
			if r.p.eofSent.Load() {
				r.p.ack(nil)
				return nil, nil
			}
			return nil, errs.New(errs.Internal, "writer was dropped before EOF was sent")
		}
	}
	if r.closeAfterSize >= 0 {
		if int64(len(chunk)) > r.closeAfterSize {
			return nil, errs.New(errs.Internal, "received more data than close_after_size allows")
		}
		r.closeAfterSize -= int64(len(chunk))
		if r.closeAfterSize == 0 {
			r.p.ack(nil)
		}
	}
	return chunk, nil
}

// SetCloseAfterSize arranges for the stream to be considered cleanly closed
// once size bytes have been received. Use when the exact payload length is
// known up front and the reader may be dropped without ever polling the EOF.
func (r *Reader) SetCloseAfterSize(size int64) {
	r.closeAfterSize = size
}

// Close drops the reader. If a clean close was not already observed, the
// writer's pending or future SendEOF fails and a blocked Send unblocks with
// an error.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.p.ack(errs.New(errs.Internal, "receiver went away before receiving EOF"))
	close(r.p.readerGone)
	return nil
}

// Take returns exactly size bytes, or fewer if EOF arrives first. An
// oversized chunk is sliced and the tail stashed for the next Recv or Take.
func (r *Reader) Take(ctx context.Context, size int) ([]byte, error) {
	first, err := r.Recv(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "during first chunk of take")
	}
	if len(first) >= size {
		r.stashTail(first[size:])
		return first[:size:size], nil
	}
	if len(first) == 0 {
		return first, nil
	}
	// Slow path: accumulate across chunks.
	out := make([]byte, 0, size)
	out = append(out, first...)
	for len(out) < size {
		chunk, err := r.Recv(ctx)
		if err != nil {
			return nil, errs.Wrap(err, "during take")
		}
		if len(chunk) == 0 {
			break // EOF.
		}
		if want := size - len(out); len(chunk) > want {
			r.stashTail(chunk[want:])
			chunk = chunk[:want]
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (r *Reader) stashTail(tail []byte) {
	if len(tail) == 0 {
		return
	}
	if r.partial != nil {
		panic("partial should have been consumed during the recv")
	}
	r.partial = tail
}

// CollectAll drains the stream to EOF and returns everything. When exactly
// one non-empty chunk precedes the EOF it is returned without copying.
func (r *Reader) CollectAll(ctx context.Context, sizeHint int) ([]byte, error) {
	first, err := r.Recv(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "failed to recv first chunk in collect_all")
	}
	if len(first) == 0 {
		return first, nil
	}
	second, err := r.Recv(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "failed to recv second chunk in collect_all")
	}
	if len(second) == 0 {
		return first, nil
	}
	out := make([]byte, 0, max(sizeHint, len(first)+len(second)))
	out = append(out, first...)
	out = append(out, second...)
	for {
		chunk, err := r.Recv(ctx)
		if err != nil {
			return nil, errs.Wrap(err, "failed to recv in collect_all")
		}
		if len(chunk) == 0 {
			return out, nil
		}
		out = append(out, chunk...)
	}
}
