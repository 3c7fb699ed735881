package scheduler

import (
	"github.com/gurre/remexec/errs"
)

// workerUpdateBuffer bounds each worker's outbound message queue. The
// scheduler never blocks on a worker: a full queue is treated as a dead
// worker and triggers eviction.
const workerUpdateBuffer = 64

// WorkerUpdateKind enumerates messages pushed to a worker session.
type WorkerUpdateKind int

const (
	// WorkerUpdateConnectionResult delivers the assigned worker id right
	// after registration.
	WorkerUpdateConnectionResult WorkerUpdateKind = iota
	// WorkerUpdateKeepAlive is a liveness ping.
	WorkerUpdateKeepAlive
	// WorkerUpdateRunAction dispatches an action.
	WorkerUpdateRunAction
	// WorkerUpdateDisconnect tells the session to shut down.
	WorkerUpdateDisconnect
)

// UpdateForWorker is one message on a worker's outbound queue.
type UpdateForWorker struct {
	Kind WorkerUpdateKind
	// WorkerID accompanies ConnectionResult.
	WorkerID WorkerID
	// Action accompanies RunAction.
	Action *ActionInfo
}

// Worker is the scheduler's handle on a connected worker: its platform
// properties, its outbound message queue, and the actions it is running.
type Worker struct {
	ID         WorkerID
	Properties PlatformProperties

	updates chan *UpdateForWorker

	// LastUpdateTimestamp is the worker's most recent keep-alive, in
	// seconds. Refreshes must be monotonic.
	LastUpdateTimestamp int64

	// RunningActionInfos holds the actions dispatched to this worker.
	RunningActionInfos map[ActionInfoHashKey]*ActionInfo

	IsPaused   bool
	IsDraining bool
}

// NewWorker creates a worker handle with an empty update queue.
func NewWorker(id WorkerID, properties PlatformProperties, timestamp int64) *Worker {
	if properties == nil {
		properties = make(PlatformProperties)
	}
	return &Worker{
		ID:                  id,
		Properties:          properties,
		updates:             make(chan *UpdateForWorker, workerUpdateBuffer),
		LastUpdateTimestamp: timestamp,
		RunningActionInfos:  make(map[ActionInfoHashKey]*ActionInfo),
	}
}

// Updates is the receive side of the worker's outbound queue, consumed by
// the worker session task.
func (w *Worker) Updates() <-chan *UpdateForWorker {
	return w.updates
}

// CanAcceptWork reports whether the matcher may assign actions here.
func (w *Worker) CanAcceptWork() bool {
	return !w.IsPaused && !w.IsDraining
}

// HasActions reports whether any dispatched action is still outstanding.
func (w *Worker) HasActions() bool {
	return len(w.RunningActionInfos) > 0
}

// notifyUpdate enqueues a message without blocking. A full queue is an
// error; the caller treats the worker as dead.
func (w *Worker) notifyUpdate(update *UpdateForWorker) error {
	select {
	case w.updates <- update:
		return nil
	default:
		return errs.New(errs.Internal, "worker %s update queue is full", w.ID)
	}
}

// sendInitialConnectionResult delivers the assigned id; invoked right
// after the worker joins the pool.
func (w *Worker) sendInitialConnectionResult() error {
	return errs.Wrap(
		w.notifyUpdate(&UpdateForWorker{Kind: WorkerUpdateConnectionResult, WorkerID: w.ID}),
		"failed to send initial connection result to worker")
}

// keepAlive pings the worker session.
func (w *Worker) keepAlive() error {
	return w.notifyUpdate(&UpdateForWorker{Kind: WorkerUpdateKeepAlive})
}

// startAction records the dispatch and enqueues the RunAction message.
func (w *Worker) startAction(info *ActionInfo) error {
	if err := w.notifyUpdate(&UpdateForWorker{Kind: WorkerUpdateRunAction, Action: info}); err != nil {
		return err
	}
	w.RunningActionInfos[info.UniqueQualifier] = info
	return nil
}

// completeAction clears a finished action. The pause flag is released only
// once the worker holds no other actions.
func (w *Worker) completeAction(key ActionInfoHashKey) {
	delete(w.RunningActionInfos, key)
	if len(w.RunningActionInfos) == 0 {
		w.IsPaused = false
	}
}
