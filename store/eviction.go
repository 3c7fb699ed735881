package store

import (
	"container/list"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gurre/remexec/digest"
)

// EvictionPolicy caps a store by bytes, entry age, and entry count. A zero
// value means that dimension is unbounded.
type EvictionPolicy struct {
	MaxBytes   int64
	MaxSeconds int64
	MaxCount   int64
}

func (p EvictionPolicy) unbounded() bool {
	return p.MaxBytes == 0 && p.MaxSeconds == 0 && p.MaxCount == 0
}

type evictEntry struct {
	digest     digest.Digest
	sizeBytes  int64
	lastAccess time.Time
}

// evictingMap is an access-ordered index enforcing an EvictionPolicy. It
// tracks sizes and recency; the owner stores payloads and is called back on
// eviction. Not safe for concurrent use; callers hold their own lock.
type evictingMap struct {
	policy   EvictionPolicy
	clock    clockwork.Clock
	ll       *list.List // front = most recently used
	elements map[digest.Digest]*list.Element
	sumBytes int64
	onEvict  func(digest.Digest)
}

func newEvictingMap(policy EvictionPolicy, clock clockwork.Clock, onEvict func(digest.Digest)) *evictingMap {
	if onEvict == nil {
		onEvict = func(digest.Digest) {}
	}
	return &evictingMap{
		policy:   policy,
		clock:    clock,
		ll:       list.New(),
		elements: make(map[digest.Digest]*list.Element),
		onEvict:  onEvict,
	}
}

// insert registers d, replacing any prior entry, then enforces the policy.
func (m *evictingMap) insert(d digest.Digest, sizeBytes int64) {
	m.insertAt(d, sizeBytes, m.clock.Now())
}

// insertAt is insert with an explicit access time, used when rebuilding an
// index from entries whose age is already known.
func (m *evictingMap) insertAt(d digest.Digest, sizeBytes int64, accessed time.Time) {
	m.remove(d)
	el := m.ll.PushFront(&evictEntry{digest: d, sizeBytes: sizeBytes, lastAccess: accessed})
	m.elements[d] = el
	m.sumBytes += sizeBytes
	m.enforce()
}

// touch promotes d and refreshes its access time, returning its size.
func (m *evictingMap) touch(d digest.Digest) (int64, bool) {
	el, ok := m.elements[d]
	if !ok {
		return 0, false
	}
	entry := el.Value.(*evictEntry)
	entry.lastAccess = m.clock.Now()
	m.ll.MoveToFront(el)
	return entry.sizeBytes, true
}

func (m *evictingMap) remove(d digest.Digest) bool {
	el, ok := m.elements[d]
	if !ok {
		return false
	}
	m.sumBytes -= el.Value.(*evictEntry).sizeBytes
	m.ll.Remove(el)
	delete(m.elements, d)
	return true
}

func (m *evictingMap) len() int { return m.ll.Len() }

// enforce evicts least-recently-used entries until all caps hold.
func (m *evictingMap) enforce() {
	if m.policy.unbounded() {
		return
	}
	now := m.clock.Now()
	for m.ll.Len() > 0 {
		el := m.ll.Back()
		entry := el.Value.(*evictEntry)
		overBytes := m.policy.MaxBytes > 0 && m.sumBytes > m.policy.MaxBytes
		overCount := m.policy.MaxCount > 0 && int64(m.ll.Len()) > m.policy.MaxCount
		overAge := m.policy.MaxSeconds > 0 && now.Sub(entry.lastAccess) > time.Duration(m.policy.MaxSeconds)*time.Second
		if !overBytes && !overCount && !overAge {
			return
		}
		m.remove(entry.digest)
		m.onEvict(entry.digest)
	}
}
