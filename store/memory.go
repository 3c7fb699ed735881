package store

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
)

// MemoryStore keeps blobs in process memory behind an eviction policy.
type MemoryStore struct {
	mu    sync.Mutex
	index *evictingMap
	data  map[digest.Digest][]byte
	clock clockwork.Clock
}

// NewMemory creates a memory store. A zero policy is unbounded.
func NewMemory(policy EvictionPolicy, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &MemoryStore{
		data:  make(map[digest.Digest][]byte),
		clock: clock,
	}
	s.index = newEvictingMap(policy, clock, func(d digest.Digest) {
		delete(s.data, d)
	})
	return s
}

func (s *MemoryStore) HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range digests {
		if sz, ok := s.index.touch(d); ok {
			results[i] = ExistenceResult{Present: true, SizeBytes: sz}
		} else {
			results[i] = ExistenceResult{}
		}
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error {
	buffer, err := r.CollectAll(ctx, int(size.Bytes))
	if err != nil {
		return errs.Wrap(err, "failed to read stream in memory store update")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[d] = buffer
	s.index.insert(d, int64(len(buffer)))
	return nil
}

func (s *MemoryStore) GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error {
	s.mu.Lock()
	value, ok := s.data[d]
	if ok {
		s.index.touch(d)
	}
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "hash %s not found", d.HashString())
	}
	if offset > int64(len(value)) {
		return errs.New(errs.InvalidArgument, "offset %d exceeds object size %d", offset, len(value))
	}
	end := int64(len(value))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	if end > offset {
		if err := w.Send(ctx, value[offset:end]); err != nil {
			return errs.Wrap(err, "error writing data to writer in memory store")
		}
	}
	return errs.Wrap(w.SendEOF(ctx), "error sending EOF in memory store")
}

func (s *MemoryStore) OptimizedFor(opt Optimization) bool { return false }

func (s *MemoryStore) InnerStore(d *digest.Digest) Store { return s }
