// Package store implements the content-addressable storage pipeline: a
// polymorphic driver contract plus the drivers that compose into it
// (memory, filesystem, S3, verification, compression, fast-slow tiering,
// and deduplication). Drivers are connected by bufchan byte channels so
// backpressure and EOF/error propagation hold across every layer.
package store

import (
	"context"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
)

// SizeInfo describes how much data an Update will carry.
type SizeInfo struct {
	// Exact is true when Bytes is the precise payload length, false when it
	// is only an upper bound.
	Exact bool
	Bytes int64
}

// ExactSize declares a payload of exactly n bytes.
func ExactSize(n int64) SizeInfo { return SizeInfo{Exact: true, Bytes: n} }

// MaxSize declares a payload of at most n bytes.
func MaxSize(n int64) SizeInfo { return SizeInfo{Bytes: n} }

// Optimization advertises driver fast paths that composing drivers may
// exploit.
type Optimization int

const (
	// NoopUpdates marks drivers that discard writes.
	NoopUpdates Optimization = iota
	// NoopDownloads marks drivers that never return data.
	NoopDownloads
	// FileUpdates marks drivers that can consume whole files efficiently.
	FileUpdates
)

// ExistenceResult is one slot of a batched existence check.
type ExistenceResult struct {
	Present   bool
	SizeBytes int64
}

// Store is the driver contract. Per-digest update serialization is the
// caller's responsibility; the bytestream server provides it naturally by
// driving one upload per stream.
type Store interface {
	// HasWithResults fills results[i] for each digest. Absent entries get
	// Present == false.
	HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error

	// Update consumes the reader until EOF and stores the payload under d.
	// On failure the partial object must not become visible downstream.
	Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error

	// GetPart writes [offset, offset+length) of the object to w, or to the
	// end of the object when length < 0, then sends EOF. A missing object
	// yields a NotFound error.
	GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error

	// OptimizedFor reports whether the driver implements the optimization.
	OptimizedFor(opt Optimization) bool

	// InnerStore returns the concrete driver that will service d, letting
	// wrappers be short-circuited. Pass nil when no specific digest is in
	// play.
	InnerStore(d *digest.Digest) Store
}

// Has is the single-digest convenience form of HasWithResults.
func Has(ctx context.Context, s Store, d digest.Digest) (int64, bool, error) {
	results := make([]ExistenceResult, 1)
	if err := s.HasWithResults(ctx, []digest.Digest{d}, results); err != nil {
		return 0, false, err
	}
	return results[0].SizeBytes, results[0].Present, nil
}

// Get streams the whole object into w.
func Get(ctx context.Context, s Store, d digest.Digest, w *bufchan.Writer) error {
	return s.GetPart(ctx, d, w, 0, -1)
}

// UpdateBytes stores an in-memory payload under d. Used by composing
// drivers (dedup chunks, indexes) and tests.
func UpdateBytes(ctx context.Context, s Store, d digest.Digest, data []byte) error {
	w, r := bufchan.New()
	errCh := make(chan error, 1)
	go func() {
		if len(data) > 0 {
			if err := w.Send(ctx, data); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- w.SendEOF(ctx)
	}()
	updateErr := s.Update(ctx, d, r, ExactSize(int64(len(data))))
	if updateErr != nil {
		// Unblock the sending goroutine if the driver bailed early.
		_ = r.Close()
	}
	return errs.Merge(updateErr, <-errCh)
}

// ReadAll fetches [offset, offset+length) of the object into memory;
// length < 0 reads to the end.
func ReadAll(ctx context.Context, s Store, d digest.Digest, offset, length int64) ([]byte, error) {
	w, r := bufchan.New()
	errCh := make(chan error, 1)
	go func() {
		err := s.GetPart(ctx, d, w, offset, length)
		if err != nil {
			// Wake the collecting side; without an EOF its next read errors.
			_ = w.Close()
		}
		errCh <- err
	}()
	data, readErr := r.CollectAll(ctx, int(d.SizeBytes))
	if getErr := <-errCh; getErr != nil {
		// The producer's error carries the real cause (e.g. NotFound).
		return nil, errs.Merge(getErr, readErr)
	}
	if readErr != nil {
		return nil, readErr
	}
	return data, nil
}
