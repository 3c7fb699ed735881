// Package digest implements the content-address key used throughout the
// store pipeline and scheduler: a 32-byte hash paired with the blob size.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gurre/remexec/errs"
)

// HashSize is the length of the raw hash in bytes; it renders as 64 hex
// characters.
const HashSize = sha256.Size

// Digest identifies a blob or action by content hash and size. Identity is
// byte-equality of the pair, so Digest is usable directly as a map key.
type Digest struct {
	Hash      [HashSize]byte
	SizeBytes int64
}

// New builds a Digest from a 64-character lowercase hex hash string and a
// size. The hash length, hex alphabet, and non-negative size are validated.
func New(hash string, sizeBytes int64) (Digest, error) {
	var d Digest
	if len(hash) != HashSize*2 {
		return d, errs.New(errs.InvalidArgument, "hash length is %d, expected %d characters", len(hash), HashSize*2)
	}
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return d, errs.New(errs.InvalidArgument, "hash %q is not valid hex: %v", hash, err)
	}
	if sizeBytes < 0 {
		return d, errs.New(errs.InvalidArgument, "size_bytes must not be negative, got %d", sizeBytes)
	}
	copy(d.Hash[:], raw)
	d.SizeBytes = sizeBytes
	return d, nil
}

// MustNew is New for tests and compile-time-constant inputs; it panics on
// invalid input.
func MustNew(hash string, sizeBytes int64) Digest {
	d, err := New(hash, sizeBytes)
	if err != nil {
		panic(err)
	}
	return d
}

// Compute hashes data and returns its digest.
func Compute(data []byte) Digest {
	return Digest{Hash: sha256.Sum256(data), SizeBytes: int64(len(data))}
}

// HashString returns the lowercase hex rendering of the hash.
func (d Digest) HashString() string {
	return hex.EncodeToString(d.Hash[:])
}

// String renders the digest as "hash-size", the form used in S3 keys and
// log lines.
func (d Digest) String() string {
	return fmt.Sprintf("%s-%d", d.HashString(), d.SizeBytes)
}

// Compare orders digests by hash bytes then size. Used as a deterministic
// tie-breaker in the scheduler queue.
func (d Digest) Compare(other Digest) int {
	if c := bytes.Compare(d.Hash[:], other.Hash[:]); c != 0 {
		return c
	}
	switch {
	case d.SizeBytes < other.SizeBytes:
		return -1
	case d.SizeBytes > other.SizeBytes:
		return 1
	}
	return 0
}
