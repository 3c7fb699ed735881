// Package runner implements the worker-host side of action execution: a
// registry of running actions, each progressing through prepare, execute,
// upload, and cleanup phases against the CAS. The process sandbox itself is
// injected through the CommandExecutor interface.
package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
	"github.com/gurre/remexec/scheduler"
	"github.com/gurre/remexec/store"
)

// maxConcurrentInputFetches bounds parallel CAS reads while materializing
// an input tree.
const maxConcurrentInputFetches = 16

// ActionID keys the registry: the 32-byte action hash.
type ActionID = [digest.HashSize]byte

// StartExecute is the dispatch payload a worker session hands to the
// manager when the scheduler assigns an action.
type StartExecute struct {
	ActionInfo      *scheduler.ActionInfo
	QueuedTimestamp time.Time
}

// CommandSpec is the decoded command blob referenced by an action's
// command digest.
type CommandSpec struct {
	Arguments   []string `json:"arguments"`
	OutputPaths []string `json:"output_paths"`
}

// InputManifest is the decoded input-root blob: the files to materialize
// before execution.
type InputManifest struct {
	Files []InputFile `json:"files"`
}

// InputFile is one entry of an input manifest.
type InputFile struct {
	Path         string `json:"path"`
	Hash         string `json:"hash"`
	SizeBytes    int64  `json:"size_bytes"`
	IsExecutable bool   `json:"is_executable"`
}

// ExecuteResult is what the injected executor reports for a process run.
type ExecuteResult struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
}

// CommandExecutor runs a prepared command in a working directory. The
// implementation owns sandboxing and timeout enforcement inside ctx.
type CommandExecutor interface {
	Execute(ctx context.Context, workDir string, spec CommandSpec, timeout time.Duration) (ExecuteResult, error)
}

// Phase tracks a running action's progress.
type Phase int

const (
	PhaseCreated Phase = iota
	PhasePrepared
	PhaseExecuted
	PhaseUploaded
	PhaseCleanedUp
)

// Manager is the per-host registry of running actions.
type Manager struct {
	cas      store.Store
	executor CommandExecutor
	workRoot string
	logger   *zap.Logger

	mu      sync.Mutex
	running map[ActionID]*RunningAction
}

// NewManager creates a manager that materializes work trees under
// workRoot.
func NewManager(cas store.Store, executor CommandExecutor, workRoot string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cas:      cas,
		executor: executor,
		workRoot: workRoot,
		logger:   logger,
	}
}

// CreateAndAddAction registers a new running action. An action id already
// in flight is rejected; the scheduler never double-dispatches.
func (m *Manager) CreateAndAddAction(start StartExecute) (*RunningAction, error) {
	if start.ActionInfo == nil {
		return nil, errs.New(errs.InvalidArgument, "expected action info to exist in StartExecute")
	}
	id := start.ActionInfo.UniqueQualifier.ActionID()
	a := &RunningAction{
		manager: m,
		id:      id,
		info:    start.ActionInfo,
		workDir: filepath.Join(m.workRoot, start.ActionInfo.UniqueQualifier.Digest.String()),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == nil {
		m.running = make(map[ActionID]*RunningAction)
	}
	if _, exists := m.running[id]; exists {
		return nil, errs.New(errs.InvalidArgument,
			"action %s is already running on this worker", start.ActionInfo.UniqueQualifier.Digest.HashString())
	}
	m.running[id] = a
	return a, nil
}

// Get returns the running action for id, if registered.
func (m *Manager) Get(id ActionID) (*RunningAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.running[id]
	return a, ok
}

// Len reports how many actions are registered.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) remove(id ActionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

// RunningAction is one action's lifecycle on this host. Each phase returns
// the action itself so callers chain them; Cleanup must run regardless of
// earlier failures to release staged state.
type RunningAction struct {
	manager *Manager
	id      ActionID
	info    *scheduler.ActionInfo
	workDir string

	mu          sync.Mutex
	phase       Phase
	spec        CommandSpec
	execResult  *ExecuteResult
	execStart   time.Time
	execEnd     time.Time
	outputFiles []scheduler.OutputFile
}

func (a *RunningAction) advance(from, to Phase) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != from {
		return errs.New(errs.Internal, "phase %d requested from phase %d", to, a.phase)
	}
	a.phase = to
	return nil
}

// Phase returns the current lifecycle phase.
func (a *RunningAction) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Prepare fetches the command spec and input manifest from the CAS and
// materializes the input tree under the work directory.
func (a *RunningAction) Prepare(ctx context.Context) (*RunningAction, error) {
	commandData, err := store.ReadAll(ctx, a.manager.cas, a.info.CommandDigest, 0, -1)
	if err != nil {
		return a, errs.Wrap(err, "failed to fetch command %s", a.info.CommandDigest.HashString())
	}
	var spec CommandSpec
	if err := json.Unmarshal(commandData, &spec); err != nil {
		return a, errs.New(errs.InvalidArgument, "failed to decode command %s: %v",
			a.info.CommandDigest.HashString(), err)
	}

	manifestData, err := store.ReadAll(ctx, a.manager.cas, a.info.InputRootDigest, 0, -1)
	if err != nil {
		return a, errs.Wrap(err, "failed to fetch input root %s", a.info.InputRootDigest.HashString())
	}
	var manifest InputManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return a, errs.New(errs.InvalidArgument, "failed to decode input root %s: %v",
			a.info.InputRootDigest.HashString(), err)
	}

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return a, errs.New(errs.Internal, "failed to create work directory: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentInputFetches)
	for _, file := range manifest.Files {
		g.Go(func() error {
			d, err := digest.New(file.Hash, file.SizeBytes)
			if err != nil {
				return errs.Wrap(err, "corrupt digest for input %q", file.Path)
			}
			data, err := store.ReadAll(gctx, a.manager.cas, d, 0, -1)
			if err != nil {
				return errs.Wrap(err, "failed to fetch input %q", file.Path)
			}
			target := filepath.Join(a.workDir, filepath.FromSlash(file.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errs.New(errs.Internal, "failed to create input directory: %v", err)
			}
			mode := os.FileMode(0o644)
			if file.IsExecutable {
				mode = 0o755
			}
			if err := os.WriteFile(target, data, mode); err != nil {
				return errs.New(errs.Internal, "failed to write input %q: %v", file.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return a, err
	}

	a.mu.Lock()
	a.spec = spec
	a.mu.Unlock()
	return a, a.advance(PhaseCreated, PhasePrepared)
}

// Execute runs the command through the injected executor. The action's
// timeout is enforced here; the scheduler only carries it.
func (a *RunningAction) Execute(ctx context.Context) (*RunningAction, error) {
	a.mu.Lock()
	if a.phase != PhasePrepared {
		a.mu.Unlock()
		return a, errs.New(errs.Internal, "execute requested before prepare completed")
	}
	spec := a.spec
	a.mu.Unlock()

	execCtx := ctx
	if a.info.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, a.info.Timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := a.manager.executor.Execute(execCtx, a.workDir, spec, a.info.Timeout)
	end := time.Now()
	if err != nil {
		return a, errs.Wrap(err, "failed to execute command")
	}

	a.mu.Lock()
	a.execResult = &result
	a.execStart = start
	a.execEnd = end
	a.mu.Unlock()
	return a, a.advance(PhasePrepared, PhaseExecuted)
}

// UploadResults publishes every declared output back into the CAS and
// records its digest.
func (a *RunningAction) UploadResults(ctx context.Context) (*RunningAction, error) {
	a.mu.Lock()
	if a.phase != PhaseExecuted {
		a.mu.Unlock()
		return a, errs.New(errs.Internal, "upload requested before execute completed")
	}
	outputPaths := a.spec.OutputPaths
	a.mu.Unlock()

	var mu sync.Mutex
	var outputs []scheduler.OutputFile
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentInputFetches)
	for _, path := range outputPaths {
		g.Go(func() error {
			full := filepath.Join(a.workDir, filepath.FromSlash(path))
			data, err := os.ReadFile(full)
			if err != nil {
				if os.IsNotExist(err) {
					// Commands may legitimately skip declared outputs.
					return nil
				}
				return errs.New(errs.Internal, "failed to read output %q: %v", path, err)
			}
			info, err := os.Stat(full)
			if err != nil {
				return errs.New(errs.Internal, "failed to stat output %q: %v", path, err)
			}
			d := digest.Compute(data)
			if err := store.UpdateBytes(gctx, a.manager.cas, d, data); err != nil {
				return errs.Wrap(err, "failed to upload output %q", path)
			}
			mu.Lock()
			outputs = append(outputs, scheduler.OutputFile{
				Path:         path,
				Digest:       d,
				IsExecutable: info.Mode()&0o111 != 0,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return a, err
	}

	a.mu.Lock()
	a.outputFiles = outputs
	a.mu.Unlock()
	return a, a.advance(PhaseExecuted, PhaseUploaded)
}

// Cleanup removes the staged work tree and deregisters the action. Safe to
// call from any phase, including after failures or cancellation.
func (a *RunningAction) Cleanup(ctx context.Context) (*RunningAction, error) {
	if err := os.RemoveAll(a.workDir); err != nil {
		a.manager.logger.Warn("failed to remove work directory",
			zap.String("dir", a.workDir), zap.Error(err))
	}
	a.manager.remove(a.id)
	a.mu.Lock()
	a.phase = PhaseCleanedUp
	a.mu.Unlock()
	return a, nil
}

// FinishedResult assembles the ActionResult reported back to the
// scheduler. Valid once the upload phase has completed.
func (a *RunningAction) FinishedResult(workerID scheduler.WorkerID) (*scheduler.ActionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase < PhaseUploaded {
		return nil, errs.New(errs.Internal, "finished result requested before upload completed")
	}
	if a.execResult == nil {
		return nil, errs.New(errs.Internal, "no execution result recorded")
	}
	return &scheduler.ActionResult{
		ExitCode:       a.execResult.ExitCode,
		Worker:         workerID,
		OutputFiles:    a.outputFiles,
		ExecutionStart: a.execStart,
		ExecutionEnd:   a.execEnd,
	}, nil
}
