package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
)

// fsReadChunkSize is how much of a file is sent per channel chunk.
const fsReadChunkSize = 64 * 1024

// FilesystemStore keeps blobs as files named "{hash}-{size}" under
// content_path. Uploads are staged in temp_path and renamed into place, so
// a partially written object is never visible; the two paths must live on
// the same block device for the rename to be atomic.
type FilesystemStore struct {
	contentPath string
	tempPath    string

	mu    sync.Mutex
	index *evictingMap
	clock clockwork.Clock
}

// NewFilesystem opens (or creates) the store rooted at contentPath. The
// temp directory is purged, and existing content is scanned into the index;
// entries failing the eviction policy are discarded immediately.
func NewFilesystem(contentPath, tempPath string, policy EvictionPolicy, clock clockwork.Clock) (*FilesystemStore, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(contentPath, 0o755); err != nil {
		return nil, errs.New(errs.Internal, "failed to create content directory: %v", err)
	}
	if err := os.MkdirAll(tempPath, 0o755); err != nil {
		return nil, errs.New(errs.Internal, "failed to create temp directory: %v", err)
	}

	s := &FilesystemStore{contentPath: contentPath, tempPath: tempPath, clock: clock}
	s.index = newEvictingMap(policy, clock, func(d digest.Digest) {
		_ = os.Remove(s.fileFor(d)) // Best effort; a missed removal is re-discovered on restart.
	})

	// Abandoned staging files from a previous run serve no purpose.
	tempEntries, err := os.ReadDir(tempPath)
	if err != nil {
		return nil, errs.New(errs.Internal, "failed to read temp directory: %v", err)
	}
	for _, entry := range tempEntries {
		_ = os.Remove(filepath.Join(tempPath, entry.Name()))
	}

	contentEntries, err := os.ReadDir(contentPath)
	if err != nil {
		return nil, errs.New(errs.Internal, "failed to read content directory: %v", err)
	}
	for _, entry := range contentEntries {
		d, ok := parseContentFileName(entry.Name())
		if !ok {
			_ = os.Remove(filepath.Join(contentPath, entry.Name()))
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		s.index.insertAt(d, info.Size(), info.ModTime())
	}
	return s, nil
}

func (s *FilesystemStore) fileFor(d digest.Digest) string {
	return filepath.Join(s.contentPath, d.String())
}

// parseContentFileName recovers the digest from a "{hash}-{size}" file name.
func parseContentFileName(name string) (digest.Digest, bool) {
	sep := strings.LastIndexByte(name, '-')
	if sep < 0 {
		return digest.Digest{}, false
	}
	size, err := strconv.ParseInt(name[sep+1:], 10, 64)
	if err != nil {
		return digest.Digest{}, false
	}
	d, err := digest.New(name[:sep], size)
	if err != nil {
		return digest.Digest{}, false
	}
	return d, true
}

func (s *FilesystemStore) HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error {
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

func (s *FilesystemStore) Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error {
	tempFile := filepath.Join(s.tempPath, uuid.NewString())
	f, err := os.OpenFile(tempFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errs.New(errs.Internal, "failed to create temp file: %v", err)
	}
	var written int64
	abort := func(cause error) error {
		_ = f.Close()
		_ = os.Remove(tempFile)
		return cause
	}
	for {
		chunk, err := r.Recv(ctx)
		if err != nil {
			return abort(errs.Wrap(err, "failed to read stream in filesystem store"))
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := f.Write(chunk); err != nil {
			return abort(errs.New(errs.Internal, "failed to write temp file: %v", err))
		}
		written += int64(len(chunk))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempFile)
		return errs.New(errs.Internal, "failed to close temp file: %v", err)
	}
	if err := os.Rename(tempFile, s.fileFor(d)); err != nil {
		_ = os.Remove(tempFile)
		return errs.New(errs.Internal, "failed to publish temp file: %v", err)
	}
	s.mu.Lock()
	s.index.insert(d, written)
	s.mu.Unlock()
	return nil
}

func (s *FilesystemStore) GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error {
	s.mu.Lock()
	sz, ok := s.index.touch(d)
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "hash %s not found", d.HashString())
	}
	if offset > sz {
		return errs.New(errs.InvalidArgument, "offset %d exceeds object size %d", offset, sz)
	}
	f, err := os.Open(s.fileFor(d))
	if err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.NotFound, "hash %s not found", d.HashString())
		}
		return errs.New(errs.Internal, "failed to open content file: %v", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return errs.New(errs.Internal, "failed to seek content file: %v", err)
	}

	remaining := sz - offset
	if length >= 0 && length < remaining {
		remaining = length
	}
	for remaining > 0 {
		n := remaining
		if n > fsReadChunkSize {
			n = fsReadChunkSize
		}
		buf := make([]byte, n)
		read, err := io.ReadFull(f, buf)
		if err != nil {
			return errs.New(errs.Internal, "failed to read content file: %v", err)
		}
		if err := w.Send(ctx, buf[:read]); err != nil {
			return errs.Wrap(err, "error writing data to writer in filesystem store")
		}
		remaining -= int64(read)
	}
	return errs.Wrap(w.SendEOF(ctx), "error sending EOF in filesystem store")
}

func (s *FilesystemStore) OptimizedFor(opt Optimization) bool { return opt == FileUpdates }

func (s *FilesystemStore) InnerStore(d *digest.Digest) Store { return s }
