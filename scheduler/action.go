// Package scheduler implements the action scheduler: it matches queued
// actions to compatible workers, deduplicates identical in-flight actions,
// retries on worker failure, evicts unresponsive workers, and fans results
// back to every subscribed client.
package scheduler

import (
	"time"

	"github.com/gurre/remexec/digest"
)

// InternalErrorExitCode is the exit code reported when an action exhausts
// its retry budget on internal errors.
const InternalErrorExitCode int32 = -178

// WorkerID identifies a worker for the lifetime of its connection.
type WorkerID string

// ActionInfoHashKey is the dedup identity of an action: the action digest
// plus a salt that keeps non-cacheable repeat submissions apart.
type ActionInfoHashKey struct {
	Digest digest.Digest
	Salt   uint64
}

// ActionID returns the 32-byte action hash used by worker-side registries.
func (k ActionInfoHashKey) ActionID() [digest.HashSize]byte {
	return k.Digest.Hash
}

// ActionInfo describes a submitted action. It is shared by pointer between
// the queue containers and the messages sent to workers; the scheduler only
// mutates Priority, and only while the action sits in the queue.
type ActionInfo struct {
	InstanceName    string
	CommandDigest   digest.Digest
	InputRootDigest digest.Digest
	Timeout         time.Duration
	Platform        PlatformProperties
	Priority        int32
	LoadTimestamp   time.Time
	InsertTimestamp time.Time
	UniqueQualifier ActionInfoHashKey
	// SkipCacheLookup is carried to the worker; dispatched actions always
	// skip the cache check.
	SkipCacheLookup bool
}

// Compare defines queue order: descending priority, then ascending insert
// timestamp, with the unique qualifier as a deterministic tie-breaker.
func (a *ActionInfo) Compare(b *ActionInfo) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if !a.InsertTimestamp.Equal(b.InsertTimestamp) {
		if a.InsertTimestamp.Before(b.InsertTimestamp) {
			return -1
		}
		return 1
	}
	if c := a.UniqueQualifier.Digest.Compare(b.UniqueQualifier.Digest); c != 0 {
		return c
	}
	switch {
	case a.UniqueQualifier.Salt < b.UniqueQualifier.Salt:
		return -1
	case a.UniqueQualifier.Salt > b.UniqueQualifier.Salt:
		return 1
	}
	return 0
}

// StageCode enumerates the phases of an action's lifecycle.
type StageCode int

const (
	// StageUnknown is the zero value; no stage has been assigned.
	StageUnknown StageCode = iota
	// StageCacheCheck means a cache lookup is in flight.
	StageCacheCheck
	// StageQueued means the action waits for a compatible worker.
	StageQueued
	// StageExecuting means a worker is running the action.
	StageExecuting
	// StageCompleted is terminal with a result.
	StageCompleted
	// StageError is terminal with an error alongside any partial result.
	StageError
)

func (c StageCode) String() string {
	switch c {
	case StageCacheCheck:
		return "CacheCheck"
	case StageQueued:
		return "Queued"
	case StageExecuting:
		return "Executing"
	case StageCompleted:
		return "Completed"
	case StageError:
		return "Error"
	}
	return "Unknown"
}

// ActionStage is a tagged stage variant. Completed carries a result; Error
// carries both an error and whatever result was produced.
type ActionStage struct {
	Code   StageCode
	Result *ActionResult
	Err    error
}

// QueuedStage is the stage of a freshly inserted or requeued action.
func QueuedStage() ActionStage { return ActionStage{Code: StageQueued} }

// ExecutingStage is the stage of a dispatched action.
func ExecutingStage() ActionStage { return ActionStage{Code: StageExecuting} }

// CompletedStage builds the terminal success stage.
func CompletedStage(result *ActionResult) ActionStage {
	return ActionStage{Code: StageCompleted, Result: result}
}

// ErrorStage builds the terminal failure stage.
func ErrorStage(err error, result *ActionResult) ActionStage {
	return ActionStage{Code: StageError, Err: err, Result: result}
}

// IsFinished reports whether the stage is terminal.
func (s ActionStage) IsFinished() bool {
	return s.Code == StageCompleted || s.Code == StageError
}

// HasActionResult reports whether the stage carries a result payload.
func (s ActionStage) HasActionResult() bool {
	return s.Result != nil
}

// ActionResult is the outcome a worker reports for an action.
type ActionResult struct {
	ExitCode int32
	// Worker identifies which worker produced the result.
	Worker WorkerID
	// Error carries the failure that terminated the action, if any.
	Error error
	// OutputFiles lists digests of outputs published to the CAS.
	OutputFiles []OutputFile
	// ExecutionStart / ExecutionEnd bound the execute phase.
	ExecutionStart time.Time
	ExecutionEnd   time.Time
}

// OutputFile is one published output of a completed action.
type OutputFile struct {
	Path         string
	Digest       digest.Digest
	IsExecutable bool
}

// ActionState is the client-visible snapshot of an action: an opaque
// operation name, the action digest, and the current stage. Snapshots are
// immutable; transitions publish fresh values.
type ActionState struct {
	Name         string
	ActionDigest digest.Digest
	Stage        ActionStage
}
