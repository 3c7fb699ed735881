// Package metrics implements the counters collected while the backend
// runs and the report generated from them. Counters use atomic operations
// so the hot paths never contend on a lock.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects counters from the scheduler and the bytestream server.
type Metrics struct {
	// Bytestream counters
	bytesUploaded   int64 // Total bytes committed through Write streams
	bytesDownloaded int64 // Total bytes served through Read streams

	// Scheduler counters
	actionsQueued    int64 // Actions accepted into the queue
	actionsDeduped   int64 // Submissions merged onto an existing action
	actionsCompleted int64 // Actions that reached a terminal stage
	actionsRetried   int64 // Requeues after a worker failure
	workersEvicted   int64 // Workers evicted from the pool, for any reason

	startTime time.Time // When the process started collecting
}

// New creates a Metrics instance with initialized counters.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordBytesUploaded adds n to the uploaded-bytes counter.
func (m *Metrics) RecordBytesUploaded(n int64) {
	atomic.AddInt64(&m.bytesUploaded, n)
}

// RecordBytesDownloaded adds n to the downloaded-bytes counter.
func (m *Metrics) RecordBytesDownloaded(n int64) {
	atomic.AddInt64(&m.bytesDownloaded, n)
}

// RecordActionQueued increments the queued-actions counter.
func (m *Metrics) RecordActionQueued() {
	atomic.AddInt64(&m.actionsQueued, 1)
}

// RecordActionDeduped increments the merged-submissions counter.
func (m *Metrics) RecordActionDeduped() {
	atomic.AddInt64(&m.actionsDeduped, 1)
}

// RecordActionCompleted increments the terminal-actions counter.
func (m *Metrics) RecordActionCompleted() {
	atomic.AddInt64(&m.actionsCompleted, 1)
}

// RecordActionRetried increments the requeue counter.
func (m *Metrics) RecordActionRetried() {
	atomic.AddInt64(&m.actionsRetried, 1)
}

// RecordWorkerEvicted increments the evicted-workers counter.
func (m *Metrics) RecordWorkerEvicted() {
	atomic.AddInt64(&m.workersEvicted, 1)
}

// Report is a point-in-time snapshot of the counters.
type Report struct {
	StartTime        time.Time     `json:"startTime"`        // When collection started
	SnapshotTime     time.Time     `json:"snapshotTime"`     // When the report was taken
	Uptime           time.Duration `json:"uptime"`           // SnapshotTime - StartTime
	BytesUploaded    int64         `json:"bytesUploaded"`    // Bytes committed via Write
	BytesDownloaded  int64         `json:"bytesDownloaded"`  // Bytes served via Read
	ActionsQueued    int64         `json:"actionsQueued"`    // Actions accepted into the queue
	ActionsDeduped   int64         `json:"actionsDeduped"`   // Submissions merged onto existing actions
	ActionsCompleted int64         `json:"actionsCompleted"` // Actions that reached a terminal stage
	ActionsRetried   int64         `json:"actionsRetried"`   // Requeues after worker failures
	WorkersEvicted   int64         `json:"workersEvicted"`   // Workers removed from the pool
}

// GenerateReport snapshots all counters.
func (m *Metrics) GenerateReport() Report {
	now := time.Now()
	return Report{
		StartTime:        m.startTime,
		SnapshotTime:     now,
		Uptime:           now.Sub(m.startTime),
		BytesUploaded:    atomic.LoadInt64(&m.bytesUploaded),
		BytesDownloaded:  atomic.LoadInt64(&m.bytesDownloaded),
		ActionsQueued:    atomic.LoadInt64(&m.actionsQueued),
		ActionsDeduped:   atomic.LoadInt64(&m.actionsDeduped),
		ActionsCompleted: atomic.LoadInt64(&m.actionsCompleted),
		ActionsRetried:   atomic.LoadInt64(&m.actionsRetried),
		WorkersEvicted:   atomic.LoadInt64(&m.workersEvicted),
	}
}

// MarshalJSON implements json.Marshaler, rendering the uptime as a
// human-readable duration string.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Uptime string `json:"uptime"`
	}{
		Alias:  Alias(r),
		Uptime: r.Uptime.String(),
	})
}

// String returns a human-readable summary for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Uptime: %s\n"+
			"Bytes uploaded: %d\n"+
			"Bytes downloaded: %d\n"+
			"Actions queued: %d (deduped: %d)\n"+
			"Actions completed: %d (retried: %d)\n"+
			"Workers evicted: %d",
		r.Uptime,
		r.BytesUploaded,
		r.BytesDownloaded,
		r.ActionsQueued,
		r.ActionsDeduped,
		r.ActionsCompleted,
		r.ActionsRetried,
		r.WorkersEvicted,
	)
}
