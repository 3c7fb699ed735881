package digest

import (
	"strings"
	"testing"

	"github.com/gurre/remexec/errs"
)

const validHash = "0123456789abcdef000000000000000000010000000000000123456789abcdef"

func TestNewValid(t *testing.T) {
	d, err := New(validHash, 512)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.HashString() != validHash {
		t.Errorf("hash round-trip mismatch: %s", d.HashString())
	}
	if d.SizeBytes != 512 {
		t.Errorf("expected size 512, got %d", d.SizeBytes)
	}
	if d.String() != validHash+"-512" {
		t.Errorf("unexpected String(): %s", d.String())
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		hash string
		size int64
	}{
		{"too short", validHash[:10], 1},
		{"too long", validHash + "00", 1},
		{"not hex", strings.Repeat("z", 64), 1},
		{"negative size", validHash, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.hash, tt.size)
			if err == nil {
				t.Fatal("expected error")
			}
			if errs.CodeOf(err) != errs.InvalidArgument {
				t.Errorf("expected InvalidArgument, got %v", errs.CodeOf(err))
			}
		})
	}
}

func TestComputeMatchesKnownVector(t *testing.T) {
	// sha256("") is a well-known constant.
	d := Compute(nil)
	if d.HashString() != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("unexpected empty hash: %s", d.HashString())
	}
	if d.SizeBytes != 0 {
		t.Errorf("expected size 0, got %d", d.SizeBytes)
	}
}

func TestCompare(t *testing.T) {
	a := MustNew(strings.Repeat("00", 32), 1)
	b := MustNew(strings.Repeat("ff", 32), 1)
	if a.Compare(b) >= 0 {
		t.Error("expected a < b by hash")
	}
	c := MustNew(strings.Repeat("00", 32), 2)
	if a.Compare(c) >= 0 {
		t.Error("expected a < c by size")
	}
	if a.Compare(a) != 0 {
		t.Error("expected a == a")
	}
}
