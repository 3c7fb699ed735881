package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"hash"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
)

// VerifyStore checks uploads against their declared digest before they
// reach the backend. On a mismatch the forwarded stream is closed without
// an EOF, so the backend update observes a broken pipe and must not commit
// the partial object.
type VerifyStore struct {
	backend    Store
	verifySize bool
	verifyHash bool
}

// NewVerify wraps backend with size and/or hash verification.
func NewVerify(backend Store, verifySize, verifyHash bool) *VerifyStore {
	return &VerifyStore{backend: backend, verifySize: verifySize, verifyHash: verifyHash}
}

func (s *VerifyStore) HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error {
	return s.backend.HasWithResults(ctx, digests, results)
}

func (s *VerifyStore) Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error {
	if !s.verifySize && !s.verifyHash {
		return s.backend.Update(ctx, d, r, size)
	}
	if s.verifySize && size.Exact && size.Bytes != d.SizeBytes {
		return errs.New(errs.InvalidArgument,
			"declared upload size %d does not match digest size %d", size.Bytes, d.SizeBytes)
	}

	innerW, innerR := bufchan.New()

	// The pump's sends are cancelled if the backend returns early, so a
	// backend failure cannot leave the pump blocked on a full channel.
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	backendErr := make(chan error, 1)
	go func() {
		err := s.backend.Update(ctx, d, innerR, size)
		backendErr <- err
		cancelPump()
	}()

	var hasher hash.Hash
	if s.verifyHash {
		hasher = sha256.New()
	}
	pumpErr := func() error {
		var forwarded int64
		for {
			chunk, err := r.Recv(pumpCtx)
			if err != nil {
				_ = innerW.Close()
				return errs.Wrap(err, "failed to read chunk in verify store")
			}
			if len(chunk) == 0 {
				if s.verifySize && forwarded != d.SizeBytes {
					_ = innerW.Close()
					return errs.New(errs.InvalidArgument,
						"expected size %d, got %d on insert of %s", d.SizeBytes, forwarded, d.HashString())
				}
				if hasher != nil {
					if sum := hasher.Sum(nil); !bytes.Equal(sum, d.Hash[:]) {
						_ = innerW.Close()
						return errs.New(errs.InvalidArgument,
							"hash %x does not match digest %s", sum, d.HashString())
					}
				}
				return innerW.SendEOF(pumpCtx)
			}
			forwarded += int64(len(chunk))
			if s.verifySize && forwarded > d.SizeBytes {
				_ = innerW.Close()
				return errs.New(errs.InvalidArgument,
					"received %d bytes, expected only %d on insert of %s", forwarded, d.SizeBytes, d.HashString())
			}
			if hasher != nil {
				hasher.Write(chunk)
			}
			if err := innerW.Send(pumpCtx, chunk); err != nil {
				return errs.Wrap(err, "failed to forward chunk to backend in verify store")
			}
		}
	}()
	return errs.Merge(pumpErr, <-backendErr)
}

func (s *VerifyStore) GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error {
	return s.backend.GetPart(ctx, d, w, offset, length)
}

func (s *VerifyStore) OptimizedFor(opt Optimization) bool { return false }

func (s *VerifyStore) InnerStore(d *digest.Digest) Store { return s }
