package scheduler

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gurre/remexec/errs"
	"github.com/gurre/remexec/metrics"
)

// Defaults applied when the corresponding config value is zero.
const (
	DefaultWorkerTimeoutSeconds      = 5
	DefaultRetainCompletedForSeconds = 60
	DefaultMaxJobRetries             = 3
)

// Config tunes the scheduler.
type Config struct {
	// WorkerTimeoutSeconds evicts workers whose last keep-alive is older.
	WorkerTimeoutSeconds int64
	// RetainCompletedForSeconds keeps terminal results for late subscribers.
	RetainCompletedForSeconds int64
	// MaxJobRetries bounds requeues after internal errors.
	MaxJobRetries int
	// AllocationStrategy picks which end of the worker recency order the
	// matcher scans first.
	AllocationStrategy AllocationStrategy
	// SupportedPlatformProperties admits property names and their kinds.
	SupportedPlatformProperties map[string]PropertyKind
}

func (c Config) withDefaults() Config {
	if c.WorkerTimeoutSeconds == 0 {
		c.WorkerTimeoutSeconds = DefaultWorkerTimeoutSeconds
	}
	if c.RetainCompletedForSeconds == 0 {
		c.RetainCompletedForSeconds = DefaultRetainCompletedForSeconds
	}
	if c.MaxJobRetries == 0 {
		c.MaxJobRetries = DefaultMaxJobRetries
	}
	return c
}

// awaitedAction is the server-side record of one submitted action.
type awaitedAction struct {
	actionInfo *ActionInfo
	// state is the latest published snapshot; transitions replace it and
	// broadcast through notify.
	state     *ActionState
	notify    *stateChannel
	attempts  int
	lastError error
	workerID  WorkerID
	hasWorker bool
}

// completedAction retains a terminal result for the grace window.
type completedAction struct {
	state         *ActionState
	completedTime time.Time
}

// Scheduler matches queued actions to workers. All mutable state sits
// behind one coarse lock: operations are cheap over small collections, and
// a single lock removes any multi-lock ordering concerns. The lock is never
// held across a blocking send; worker queues are bounded and a failed send
// evicts the worker instead of waiting.
type Scheduler struct {
	cfg             Config
	propertyManager *PlatformPropertyManager
	clock           clockwork.Clock
	logger          *zap.Logger
	metrics         *metrics.Metrics

	mu sync.Mutex
	// queuedActions orders runnable actions by priority then age; the
	// queuedSet mirrors its keys for O(1) dedup lookups. The two must stay
	// in lockstep at every observable point.
	queuedActions *btree.BTreeG[*awaitedAction]
	queuedSet     map[ActionInfoHashKey]*awaitedAction
	// activeActions holds actions dispatched to a worker.
	activeActions map[ActionInfoHashKey]*awaitedAction
	workers       *workerPool
	// recentlyCompleted serves late subscribers for the retention window.
	recentlyCompleted map[ActionInfoHashKey]completedAction

	// tasksChangeNotify wakes the matcher; a one-slot channel coalesces
	// bursts of notifications into a single pass.
	tasksChangeNotify chan struct{}
	done              chan struct{}
	matcherDone       sync.WaitGroup
}

// New creates a scheduler and starts its matching loop. Call Stop when
// done.
func New(cfg Config, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:             cfg,
		propertyManager: NewPlatformPropertyManager(cfg.SupportedPlatformProperties),
		clock:           clock,
		logger:          logger,
		metrics:         m,
		queuedActions: btree.NewG(8, func(a, b *awaitedAction) bool {
			return a.actionInfo.Compare(b.actionInfo) < 0
		}),
		queuedSet:         make(map[ActionInfoHashKey]*awaitedAction),
		activeActions:     make(map[ActionInfoHashKey]*awaitedAction),
		workers:           newWorkerPool(cfg.AllocationStrategy),
		recentlyCompleted: make(map[ActionInfoHashKey]completedAction),
		tasksChangeNotify: make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
	s.matcherDone.Add(1)
	go s.matchLoop()
	return s
}

// Stop shuts down the matching loop.
func (s *Scheduler) Stop() {
	close(s.done)
	s.matcherDone.Wait()
}

// PlatformPropertyManager exposes the property typing rules shared with
// the transport layer.
func (s *Scheduler) PlatformPropertyManager() *PlatformPropertyManager {
	return s.propertyManager
}

func (s *Scheduler) notifyTasksChanged() {
	select {
	case s.tasksChangeNotify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) matchLoop() {
	defer s.matcherDone.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.tasksChangeNotify:
			s.doTryMatch()
		}
	}
}

// AddAction submits an action and returns a subscription to its state.
// A submission whose qualifier matches a running or queued action joins
// that action instead of queueing a second copy.
func (s *Scheduler) AddAction(info *ActionInfo) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := info.UniqueQualifier
	if running, ok := s.activeActions[key]; ok {
		s.metrics.RecordActionDeduped()
		s.notifyTasksChanged()
		return running.notify.Subscribe(), nil
	}
	if queued, ok := s.queuedSet[key]; ok {
		s.metrics.RecordActionDeduped()
		// The merged submission may raise the queue position; re-key the
		// entry so the btree order stays consistent with the priority.
		if info.Priority > queued.actionInfo.Priority {
			s.queuedActions.Delete(queued)
			queued.actionInfo.Priority = info.Priority
			s.queuedActions.ReplaceOrInsert(queued)
		}
		s.notifyTasksChanged()
		return queued.notify.Subscribe(), nil
	}

	state := &ActionState{
		Name:         uuid.NewString(),
		ActionDigest: key.Digest,
		Stage:        QueuedStage(),
	}
	aa := &awaitedAction{
		actionInfo: info,
		state:      state,
		notify:     newStateChannel(state),
	}
	s.queuedSet[key] = aa
	s.queuedActions.ReplaceOrInsert(aa)
	s.metrics.RecordActionQueued()
	s.notifyTasksChanged()
	return aa.notify.Subscribe(), nil
}

// FindExistingAction subscribes to an action that is queued, executing, or
// recently completed. Returns nil when nothing matches.
func (s *Scheduler) FindExistingAction(key ActionInfoHashKey) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aa, ok := s.queuedSet[key]; ok {
		return aa.notify.Subscribe()
	}
	if aa, ok := s.activeActions[key]; ok {
		return aa.notify.Subscribe()
	}
	if completed, ok := s.recentlyCompleted[key]; ok {
		return newTerminalSubscription(completed.state)
	}
	return nil
}

// CleanRecentlyCompletedActions drops retained results older than the
// retention window.
func (s *Scheduler) CleanRecentlyCompletedActions() {
	expiry := s.clock.Now().Add(-time.Duration(s.cfg.RetainCompletedForSeconds) * time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, completed := range s.recentlyCompleted {
		if completed.completedTime.Before(expiry) {
			delete(s.recentlyCompleted, key)
		}
	}
}

// mutateStage publishes a fresh state snapshot with the new stage.
func (s *Scheduler) mutateStage(aa *awaitedAction, stage ActionStage) {
	aa.state = &ActionState{
		Name:         aa.state.Name,
		ActionDigest: aa.state.ActionDigest,
		Stage:        stage,
	}
	aa.notify.Publish(aa.state)
}

// doTryMatch scans the queue in priority order and dispatches every action
// that has a compatible worker. O(queued × workers) per pass; the snapshot
// keeps the scan stable while dispatch mutates the containers.
func (s *Scheduler) doTryMatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]*awaitedAction, 0, s.queuedActions.Len())
	s.queuedActions.Ascend(func(aa *awaitedAction) bool {
		snapshot = append(snapshot, aa)
		return true
	})
	for _, aa := range snapshot {
		key := aa.actionInfo.UniqueQualifier
		if _, stillQueued := s.queuedSet[key]; !stillQueued {
			continue
		}
		worker, ok := s.workers.findWorkerForAction(aa.actionInfo.Platform)
		if !ok {
			continue
		}
		if err := worker.startAction(aa.actionInfo); err != nil {
			s.logger.Warn("worker command failed, removing worker",
				zap.String("worker_id", string(worker.ID)), zap.Error(err))
			s.immediateEvictWorker(worker.ID, errs.Wrap(err, "worker command failed, removing worker"))
			continue
		}
		// Dispatch succeeded: atomically move queued -> active.
		s.queuedActions.Delete(aa)
		delete(s.queuedSet, key)
		aa.workerID = worker.ID
		aa.hasWorker = true
		aa.attempts++
		s.activeActions[key] = aa
		s.workers.promote(worker.ID)
		s.mutateStage(aa, ExecutingStage())
	}
}

// UpdateAction is the worker-side report advancing an action. Terminal
// stages must carry a result; a report from the wrong worker or for an
// unknown action evicts the reporting worker.
func (s *Scheduler) UpdateAction(workerID WorkerID, key ActionInfoHashKey, stage ActionStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stage.IsFinished() && !stage.HasActionResult() {
		err := errs.New(errs.Internal,
			"worker %s set a terminal stage without an action result for %s; removing worker",
			workerID, key.Digest.HashString())
		s.logger.Error("worker sent terminal stage without result",
			zap.String("worker_id", string(workerID)), zap.Error(err))
		s.immediateEvictWorker(workerID, err)
		return err
	}

	aa, ok := s.activeActions[key]
	if !ok {
		err := errs.New(errs.Internal,
			"could not find action info in active actions: %s; removing worker %s",
			key.Digest.HashString(), workerID)
		s.logger.Error("result for an action that is not active",
			zap.String("worker_id", string(workerID)), zap.Error(err))
		s.immediateEvictWorker(workerID, err)
		return err
	}
	if !aa.hasWorker || aa.workerID != workerID {
		err := errs.New(errs.Internal,
			"got a result from worker %s that should not be running action %s; removing worker",
			workerID, key.Digest.HashString())
		s.logger.Error("result from wrong worker",
			zap.String("worker_id", string(workerID)),
			zap.String("assigned_worker", string(aa.workerID)),
			zap.Error(err))
		s.immediateEvictWorker(workerID, err)
		return err
	}

	s.mutateStage(aa, stage)
	if !stage.IsFinished() {
		// The worker is still on it; nothing else moves.
		s.notifyTasksChanged()
		return nil
	}

	delete(s.activeActions, key)
	s.archiveCompletedLocked(key, aa.state)
	if worker, ok := s.workers.get(workerID); ok {
		worker.completeAction(key)
	} else {
		return errs.New(errs.InvalidArgument, "worker id %s does not exist in workers map", workerID)
	}
	s.metrics.RecordActionCompleted()
	s.notifyTasksChanged()
	return nil
}

// UpdateActionWithInternalError is the failure path of a worker report:
// the action is pulled back from the worker and requeued or terminally
// failed per the retry budget. Backpressure failures do not consume an
// attempt.
func (s *Scheduler) UpdateActionWithInternalError(workerID WorkerID, key ActionInfoHashKey, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aa, ok := s.activeActions[key]
	if !ok {
		s.logger.Error("could not find action info in active actions",
			zap.String("worker_id", string(workerID)),
			zap.String("action", key.Digest.HashString()))
		return
	}

	dueToBackpressure := errs.CodeOf(cause) == errs.ResourceExhausted
	if dueToBackpressure {
		aa.attempts--
	}
	if aa.hasWorker && aa.workerID == workerID {
		aa.lastError = cause
	} else {
		s.logger.Error("internal error reported by a worker not assigned to the action",
			zap.String("worker_id", string(workerID)),
			zap.String("assigned_worker", string(aa.workerID)))
	}

	if worker, ok := s.workers.get(workerID); ok {
		wasPaused := !worker.CanAcceptWork()
		worker.completeAction(key)
		// The completion above unpauses; keep the worker paused while it
		// still holds other work after a pause-worthy failure.
		if (wasPaused || dueToBackpressure) && worker.HasActions() {
			worker.IsPaused = true
		}
	}

	s.retryActionLocked(key, workerID, cause)
	s.notifyTasksChanged()
}

// retryActionLocked requeues an active action or terminally fails it when
// the retry budget is spent. Caller holds the lock.
func (s *Scheduler) retryActionLocked(key ActionInfoHashKey, workerID WorkerID, cause error) {
	aa, ok := s.activeActions[key]
	if !ok {
		s.logger.Error("worker stated it was running an action, but it was not in active actions",
			zap.String("worker_id", string(workerID)),
			zap.String("action", key.Digest.HashString()))
		return
	}
	delete(s.activeActions, key)
	aa.hasWorker = false
	aa.workerID = ""

	if aa.attempts >= s.cfg.MaxJobRetries {
		merged := errs.Merge(cause, errs.New(errs.Internal,
			"job cancelled because it attempted to execute too many times and failed"))
		result := &ActionResult{
			ExitCode: InternalErrorExitCode,
			Worker:   workerID,
			Error:    merged,
		}
		s.mutateStage(aa, ErrorStage(merged, result))
		s.archiveCompletedLocked(key, aa.state)
		s.metrics.RecordActionCompleted()
		return
	}

	s.metrics.RecordActionRetried()
	s.mutateStage(aa, QueuedStage())
	s.queuedSet[key] = aa
	s.queuedActions.ReplaceOrInsert(aa)
	if !aa.notify.HasSubscribers() {
		// Keep the action anyway; a disconnected client may come back and
		// ask for the same job.
		s.logger.Warn("action has no more listeners during requeue",
			zap.String("action", key.Digest.HashString()))
	}
}

func (s *Scheduler) archiveCompletedLocked(key ActionInfoHashKey, state *ActionState) {
	s.recentlyCompleted[key] = completedAction{
		state:         state,
		completedTime: s.clock.Now(),
	}
}

// immediateEvictWorker removes a worker and requeues everything it was
// running. Caller holds the lock.
func (s *Scheduler) immediateEvictWorker(workerID WorkerID, cause error) {
	worker, ok := s.workers.removeWorker(workerID)
	if !ok {
		return
	}
	s.metrics.RecordWorkerEvicted()
	// Best effort; the session may already be gone.
	_ = worker.notifyUpdate(&UpdateForWorker{Kind: WorkerUpdateDisconnect})
	for key := range worker.RunningActionInfos {
		s.retryActionLocked(key, workerID, cause)
	}
	s.notifyTasksChanged()
}

// AddWorker registers a worker and immediately delivers its connection
// result. A failed delivery evicts the worker on the spot.
func (s *Scheduler) AddWorker(worker *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.workers.addWorker(worker)
	if err != nil {
		s.logger.Error("worker connection appears to have been closed while adding to pool",
			zap.String("worker_id", string(worker.ID)), zap.Error(err))
		s.immediateEvictWorker(worker.ID, errs.Wrap(err, "error while adding worker, removing from pool"))
	}
	s.notifyTasksChanged()
	return err
}

// RemoveWorker evicts a worker, retrying everything it was running.
func (s *Scheduler) RemoveWorker(workerID WorkerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.immediateEvictWorker(workerID,
		errs.New(errs.Internal, "received request to remove worker"))
}

// WorkerKeepAliveReceived refreshes a worker's lease. Timestamps are
// monotonic per worker.
func (s *Scheduler) WorkerKeepAliveReceived(workerID WorkerID, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errs.Wrap(s.workers.refreshLifetime(workerID, timestamp),
		"error refreshing lifetime in worker_keep_alive_received")
}

// RemoveTimedoutWorkers evicts every worker whose last keep-alive is at or
// beyond the configured timeout.
func (s *Scheduler) RemoveTimedoutWorkers(nowTimestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, workerID := range s.workers.timedOutWorkers(nowTimestamp, s.cfg.WorkerTimeoutSeconds) {
		s.logger.Warn("worker timed out, removing from pool",
			zap.String("worker_id", string(workerID)))
		s.immediateEvictWorker(workerID,
			errs.New(errs.Internal, "worker %s timed out, removing from pool", workerID))
	}
	return nil
}

// SetDrainWorker toggles whether a worker may take new actions; running
// actions are unaffected.
func (s *Scheduler) SetDrainWorker(workerID WorkerID, isDraining bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, ok := s.workers.get(workerID)
	if !ok {
		return errs.New(errs.InvalidArgument, "worker %s doesn't exist in the pool", workerID)
	}
	worker.IsDraining = isDraining
	s.notifyTasksChanged()
	return nil
}

// ContainsWorker reports pool membership. Intended for tests.
func (s *Scheduler) ContainsWorker(workerID WorkerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers.get(workerID)
	return ok
}

// SendKeepAliveToWorker pushes a keep-alive message to the worker session.
func (s *Scheduler) SendKeepAliveToWorker(workerID WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, ok := s.workers.get(workerID)
	if !ok {
		return errs.New(errs.InvalidArgument, "worker id %s does not exist in workers map", workerID)
	}
	return worker.keepAlive()
}
