package store

import (
	"context"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
)

// FastSlowStore composes a fast (usually local) and a slow (usually remote)
// driver. Updates feed both; reads are served from fast when possible and
// populate fast on a slow hit.
type FastSlowStore struct {
	fast Store
	slow Store
}

// NewFastSlow composes fast and slow drivers.
func NewFastSlow(fast, slow Store) *FastSlowStore {
	return &FastSlowStore{fast: fast, slow: slow}
}

// Fast returns the fast-side driver.
func (s *FastSlowStore) Fast() Store { return s.fast }

// Slow returns the slow-side driver.
func (s *FastSlowStore) Slow() Store { return s.slow }

func (s *FastSlowStore) HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error {
	// A noop slow store would report everything absent, so consult fast in
	// that configuration. Otherwise only slow matters: if it's not there,
	// something downstream may be unable to get it.
	if s.slow.InnerStore(nil).OptimizedFor(NoopDownloads) {
		return s.fast.HasWithResults(ctx, digests, results)
	}
	return s.slow.HasWithResults(ctx, digests, results)
}

func (s *FastSlowStore) Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error {
	// If either side is a noop, skip the tee entirely.
	if s.slow.InnerStore(&d).OptimizedFor(NoopUpdates) {
		return s.fast.Update(ctx, d, r, size)
	}
	if s.fast.InnerStore(&d).OptimizedFor(NoopUpdates) {
		return s.slow.Update(ctx, d, r, size)
	}

	fastW, fastR := bufchan.New()
	slowW, slowR := bufchan.New()

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	fastErr := make(chan error, 1)
	slowErr := make(chan error, 1)
	go func() {
		err := s.fast.Update(ctx, d, fastR, size)
		fastErr <- err
		if err != nil {
			cancelPump()
		}
	}()
	go func() {
		err := s.slow.Update(ctx, d, slowR, size)
		slowErr <- err
		if err != nil {
			cancelPump()
		}
	}()

	pumpErr := func() error {
		for {
			chunk, err := r.Recv(pumpCtx)
			if err != nil {
				_ = fastW.Close()
				_ = slowW.Close()
				return errs.Wrap(err, "failed to read buffer in fast_slow store")
			}
			if len(chunk) == 0 {
				fastEOF := errs.Wrap(fastW.SendEOF(pumpCtx), "failed to send EOF to fast store")
				slowEOF := errs.Wrap(slowW.SendEOF(pumpCtx), "failed to send EOF to slow store")
				return errs.Merge(fastEOF, slowEOF)
			}
			fastSend := fastW.Send(pumpCtx, chunk)
			slowSend := slowW.Send(pumpCtx, chunk)
			if fastSend != nil || slowSend != nil {
				_ = fastW.Close()
				_ = slowW.Close()
				return errs.Merge(
					errs.Wrap(fastSend, "failed to send chunk to fast store"),
					errs.Wrap(slowSend, "failed to send chunk to slow store"))
			}
		}
	}()
	return errs.Merge(pumpErr, errs.Merge(<-fastErr, <-slowErr))
}

func (s *FastSlowStore) GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error {
	if _, ok, err := Has(ctx, s.fast, d); err == nil && ok {
		return s.fast.GetPart(ctx, d, w, offset, length)
	} else if err != nil {
		return errs.Wrap(err, "failed to run has() on fast store")
	}

	sz, ok, err := Has(ctx, s.slow, d)
	if err != nil {
		return errs.Wrap(err, "failed to run has() on slow store")
	}
	if !ok {
		return errs.New(errs.NotFound, "object %s not found in either fast or slow store", d.HashString())
	}

	// Miss on fast: stream the whole object out of slow, teeing it into a
	// fast update while slicing the requested window out for the client.
	fastW, fastR := bufchan.New()
	slowW, slowR := bufchan.New()

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	slowErr := make(chan error, 1)
	fastErr := make(chan error, 1)
	go func() {
		err := Get(ctx, s.slow, d, slowW)
		slowErr <- err
		if err != nil {
			cancelPump()
		}
	}()
	go func() {
		err := s.fast.Update(ctx, d, fastR, ExactSize(sz))
		fastErr <- err
		if err != nil {
			cancelPump()
		}
	}()

	end := int64(-1)
	if length >= 0 {
		end = offset + length
	}
	var received int64
	pumpErr := func() error {
		for {
			chunk, err := slowR.Recv(pumpCtx)
			if err != nil {
				_ = fastW.Close()
				return errs.Wrap(err, "failed to read buffer from slow store")
			}
			if len(chunk) == 0 {
				return errs.Wrap(fastW.SendEOF(pumpCtx), "failed to write EOF to fast store")
			}
			window := sliceWindow(chunk, received, offset, end)
			received += int64(len(chunk))
			if err := fastW.Send(pumpCtx, chunk); err != nil {
				return errs.Wrap(err, "failed to write to fast store in fast_slow store")
			}
			if len(window) > 0 {
				if err := w.Send(pumpCtx, window); err != nil {
					_ = fastW.Close()
					return errs.Wrap(err, "failed to write result to writer in fast_slow store")
				}
			}
		}
	}()

	err = errs.Merge(pumpErr, errs.Merge(<-slowErr, <-fastErr))
	if err != nil {
		return err
	}
	// The client EOF goes out last: the caller may tear the stream down the
	// moment it lands, and the fast-store population must be complete by
	// then.
	return errs.Wrap(w.SendEOF(ctx), "failed to send client EOF in fast_slow store")
}

// sliceWindow returns the portion of chunk that falls inside the requested
// [start, end) byte window, given that the chunk begins at absolute offset
// pos. end < 0 means unbounded.
func sliceWindow(chunk []byte, pos, start, end int64) []byte {
	chunkEnd := pos + int64(len(chunk))
	lo := max64(pos, start)
	hi := chunkEnd
	if end >= 0 {
		hi = min64(chunkEnd, end)
	}
	if lo >= hi {
		return nil
	}
	return chunk[lo-pos : hi-pos]
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (s *FastSlowStore) OptimizedFor(opt Optimization) bool { return false }

func (s *FastSlowStore) InnerStore(d *digest.Digest) Store { return s }
