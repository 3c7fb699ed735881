package store

import (
	"context"
	"math/rand"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
)

// DedupConfig tunes the content-defined chunker and fetch concurrency.
type DedupConfig struct {
	// MinSize, NormalSize, MaxSize bound chunk lengths in bytes. NormalSize
	// steers the rolling-hash cut mask toward an average chunk of roughly
	// that size.
	MinSize    int
	NormalSize int
	MaxSize    int
	// MaxConcurrentFetchPerGet bounds parallel chunk fetches per read.
	MaxConcurrentFetchPerGet int
}

func (c *DedupConfig) applyDefaults() {
	if c.MinSize == 0 {
		c.MinSize = 64 * 1024
	}
	if c.NormalSize == 0 {
		c.NormalSize = 256 * 1024
	}
	if c.MaxSize == 0 {
		c.MaxSize = 512 * 1024
	}
	if c.MaxConcurrentFetchPerGet == 0 {
		c.MaxConcurrentFetchPerGet = 10
	}
}

// DedupStore splits uploads into content-defined chunks, stores each chunk
// in the content store under its own hash, and records the ordering in an
// index entry under the original digest. Identical chunks across blobs are
// stored once.
type DedupStore struct {
	indexStore   Store
	contentStore Store
	cfg          DedupConfig
	cutMask      uint64
}

// dedupIndex is the JSON entry persisted in the index store.
type dedupIndex struct {
	Entries []dedupIndexEntry `json:"entries"`
}

type dedupIndexEntry struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// gearTable drives the rolling hash. Seeded deterministically so chunk
// boundaries are stable across processes, which is what makes dedup work.
var gearTable = func() [256]uint64 {
	var table [256]uint64
	rng := rand.New(rand.NewSource(0x2545F4914F6CDD1D))
	for i := range table {
		table[i] = rng.Uint64()
	}
	return table
}()

// NewDedup composes an index store and a content store.
func NewDedup(indexStore, contentStore Store, cfg DedupConfig) *DedupStore {
	cfg.applyDefaults()
	// The cut mask has one bit per power of two of the normal size, making
	// the expected distance between boundaries approximately NormalSize.
	bits := 0
	for n := cfg.NormalSize; n > 1; n >>= 1 {
		bits++
	}
	return &DedupStore{
		indexStore:   indexStore,
		contentStore: contentStore,
		cfg:          cfg,
		cutMask:      (uint64(1) << bits) - 1,
	}
}

// nextBoundary returns the length of the next chunk to cut from data, which
// must be non-empty. A cut happens at the first rolling-hash match past
// MinSize, or at MaxSize, or at the end of data.
func (s *DedupStore) nextBoundary(data []byte) int {
	if len(data) <= s.cfg.MinSize {
		return len(data)
	}
	limit := len(data)
	if limit > s.cfg.MaxSize {
		limit = s.cfg.MaxSize
	}
	var h uint64
	for i := 0; i < limit; i++ {
		h = (h << 1) + gearTable[data[i]]
		if i >= s.cfg.MinSize && h&s.cutMask == 0 {
			return i + 1
		}
	}
	return limit
}

// HasWithResults consults only the index store: chunk presence is the
// content store's own concern, and an index without all its chunks is a
// corruption surfaced at read time.
func (s *DedupStore) HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error {
	for i, d := range digests {
		idx, err := s.readIndex(ctx, d)
		if err != nil {
			if errs.IsNotFound(err) {
				results[i] = ExistenceResult{}
				continue
			}
			return errs.Wrap(err, "failed to check index in dedup store")
		}
		var total int64
		for _, entry := range idx.Entries {
			total += entry.SizeBytes
		}
		results[i] = ExistenceResult{Present: true, SizeBytes: total}
	}
	return nil
}

func (s *DedupStore) readIndex(ctx context.Context, d digest.Digest) (dedupIndex, error) {
	var idx dedupIndex
	data, err := ReadAll(ctx, s.indexStore, d, 0, -1)
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, errs.New(errs.Internal, "failed to decode dedup index for %s: %v", d.HashString(), err)
	}
	return idx, nil
}

func (s *DedupStore) Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error {
	var entries []dedupIndexEntry
	var pending []byte
	eof := false
	for !eof {
		// Buffer at least MaxSize bytes so a full chunk window is visible to
		// the boundary scan.
		for len(pending) < s.cfg.MaxSize {
			chunk, err := r.Recv(ctx)
			if err != nil {
				return errs.Wrap(err, "failed to read stream in dedup store")
			}
			if len(chunk) == 0 {
				eof = true
				break
			}
			pending = append(pending, chunk...)
		}
		for len(pending) >= s.cfg.MaxSize || (eof && len(pending) > 0) {
			cut := s.nextBoundary(pending)
			piece := pending[:cut]
			chunkDigest := digest.Compute(piece)
			if err := UpdateBytes(ctx, s.contentStore, chunkDigest, piece); err != nil {
				return errs.Wrap(err, "failed to store chunk in dedup store")
			}
			entries = append(entries, dedupIndexEntry{
				Hash:      chunkDigest.HashString(),
				SizeBytes: chunkDigest.SizeBytes,
			})
			pending = pending[cut:]
		}
	}

	indexData, err := json.Marshal(dedupIndex{Entries: entries})
	if err != nil {
		return errs.New(errs.Internal, "failed to encode dedup index: %v", err)
	}
	return errs.Wrap(UpdateBytes(ctx, s.indexStore, d, indexData),
		"failed to store index entry in dedup store")
}

func (s *DedupStore) GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error {
	idx, err := s.readIndex(ctx, d)
	if err != nil {
		return errs.Wrap(err, "failed to read index in dedup store")
	}

	var total int64
	for _, entry := range idx.Entries {
		total += entry.SizeBytes
	}
	if offset > total {
		return errs.New(errs.InvalidArgument, "offset %d exceeds object size %d", offset, total)
	}
	end := total
	if length >= 0 && offset+length < end {
		end = offset + length
	}

	// Identify the chunks overlapping the window, fetch them with bounded
	// concurrency, then emit in order.
	type fetch struct {
		d     digest.Digest
		start int64 // Absolute offset of the chunk's first byte.
		data  []byte
	}
	var fetches []*fetch
	var pos int64
	for _, entry := range idx.Entries {
		chunkEnd := pos + entry.SizeBytes
		if chunkEnd > offset && pos < end {
			cd, err := digest.New(entry.Hash, entry.SizeBytes)
			if err != nil {
				return errs.Wrap(err, "corrupt chunk digest in dedup index for %s", d.HashString())
			}
			fetches = append(fetches, &fetch{d: cd, start: pos})
		}
		pos = chunkEnd
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentFetchPerGet)
	for _, f := range fetches {
		g.Go(func() error {
			data, err := ReadAll(gctx, s.contentStore, f.d, 0, -1)
			if err != nil {
				return errs.Wrap(err, "failed to fetch chunk %s in dedup store", f.d.HashString())
			}
			if int64(len(data)) != f.d.SizeBytes {
				return errs.New(errs.Internal, "chunk %s has %d bytes, index says %d",
					f.d.HashString(), len(data), f.d.SizeBytes)
			}
			f.data = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, f := range fetches {
		window := sliceWindow(f.data, f.start, offset, end)
		if len(window) > 0 {
			if err := w.Send(ctx, window); err != nil {
				return errs.Wrap(err, "error writing data to writer in dedup store")
			}
		}
	}
	return errs.Wrap(w.SendEOF(ctx), "error sending EOF in dedup store")
}

func (s *DedupStore) OptimizedFor(opt Optimization) bool { return false }

func (s *DedupStore) InnerStore(d *digest.Digest) Store { return s }
