package store

import (
	"context"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
)

// NoopStore discards writes and never returns data. Composing it into a
// fast-slow store turns that layer into a read-through or write-through
// cache only.
type NoopStore struct{}

func NewNoop() *NoopStore { return &NoopStore{} }

func (s *NoopStore) HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error {
	for i := range results {
		results[i] = ExistenceResult{}
	}
	return nil
}

func (s *NoopStore) Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error {
	// Drain so the producer observes a clean EOF handshake.
	for {
		chunk, err := r.Recv(ctx)
		if err != nil {
			return errs.Wrap(err, "failed to drain reader in noop store")
		}
		if len(chunk) == 0 {
			return nil
		}
	}
}

func (s *NoopStore) GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error {
	return errs.New(errs.NotFound, "hash %s not found", d.HashString())
}

func (s *NoopStore) OptimizedFor(opt Optimization) bool {
	return opt == NoopUpdates || opt == NoopDownloads
}

func (s *NoopStore) InnerStore(d *digest.Digest) Store { return s }
