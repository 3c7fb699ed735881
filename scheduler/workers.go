package scheduler

import (
	"container/list"

	"github.com/gurre/remexec/errs"
)

// AllocationStrategy selects which end of the recency order the matcher
// scans first.
type AllocationStrategy int

const (
	// LeastRecentlyUsed hands work to the worker idle the longest.
	LeastRecentlyUsed AllocationStrategy = iota
	// MostRecentlyUsed keeps hot workers hot.
	MostRecentlyUsed
)

// workerPool holds connected workers in recency order: list front is most
// recently used. Assignment and keep-alive both refresh recency. Callers
// hold the scheduler lock.
type workerPool struct {
	ll       *list.List
	byID     map[WorkerID]*list.Element
	strategy AllocationStrategy
}

func newWorkerPool(strategy AllocationStrategy) *workerPool {
	return &workerPool{
		ll:       list.New(),
		byID:     make(map[WorkerID]*list.Element),
		strategy: strategy,
	}
}

func (p *workerPool) len() int { return p.ll.Len() }

func (p *workerPool) get(id WorkerID) (*Worker, bool) {
	el, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*Worker), true
}

// addWorker inserts at the most-recently-used end and delivers the
// connection result. A failed delivery is returned so the caller can evict
// the newly added worker.
func (p *workerPool) addWorker(w *Worker) error {
	if el, ok := p.byID[w.ID]; ok {
		p.ll.Remove(el)
	}
	p.byID[w.ID] = p.ll.PushFront(w)
	return w.sendInitialConnectionResult()
}

func (p *workerPool) removeWorker(id WorkerID) (*Worker, bool) {
	el, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	p.ll.Remove(el)
	delete(p.byID, id)
	return el.Value.(*Worker), true
}

// promote marks a worker most recently used.
func (p *workerPool) promote(id WorkerID) {
	if el, ok := p.byID[id]; ok {
		p.ll.MoveToFront(el)
	}
}

// refreshLifetime records a keep-alive. Timestamps must not go backward.
func (p *workerPool) refreshLifetime(id WorkerID, timestamp int64) error {
	w, ok := p.get(id)
	if !ok {
		return errs.New(errs.InvalidArgument, "worker %s not found in worker map in refresh_lifetime", id)
	}
	if w.LastUpdateTimestamp > timestamp {
		return errs.New(errs.InvalidArgument,
			"worker %s already had a timestamp of %d, but tried to update it with %d",
			id, w.LastUpdateTimestamp, timestamp)
	}
	w.LastUpdateTimestamp = timestamp
	p.promote(id)
	return nil
}

// findWorkerForAction returns the first eligible worker in strategy order
// whose properties satisfy the action's.
func (p *workerPool) findWorkerForAction(props PlatformProperties) (*Worker, bool) {
	var el *list.Element
	next := func(e *list.Element) *list.Element { return e.Next() }
	if p.strategy == LeastRecentlyUsed {
		el = p.ll.Back()
		next = func(e *list.Element) *list.Element { return e.Prev() }
	} else {
		el = p.ll.Front()
	}
	for ; el != nil; el = next(el) {
		w := el.Value.(*Worker)
		if w.CanAcceptWork() && props.IsSatisfiedBy(w.Properties) {
			return w, true
		}
	}
	return nil, false
}

// timedOutWorkers lists workers whose last keep-alive is at or past the
// timeout horizon.
func (p *workerPool) timedOutWorkers(nowTimestamp, timeoutSeconds int64) []WorkerID {
	var out []WorkerID
	for el := p.ll.Back(); el != nil; el = el.Prev() {
		w := el.Value.(*Worker)
		if w.LastUpdateTimestamp <= nowTimestamp-timeoutSeconds {
			out = append(out, w.ID)
		}
	}
	return out
}
