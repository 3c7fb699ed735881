package metrics

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.RecordBytesUploaded(100)
	m.RecordBytesUploaded(50)
	m.RecordBytesDownloaded(25)
	m.RecordActionQueued()
	m.RecordActionQueued()
	m.RecordActionDeduped()
	m.RecordActionCompleted()
	m.RecordActionRetried()
	m.RecordWorkerEvicted()

	r := m.GenerateReport()
	if r.BytesUploaded != 150 {
		t.Errorf("bytesUploaded = %d", r.BytesUploaded)
	}
	if r.BytesDownloaded != 25 {
		t.Errorf("bytesDownloaded = %d", r.BytesDownloaded)
	}
	if r.ActionsQueued != 2 || r.ActionsDeduped != 1 || r.ActionsCompleted != 1 || r.ActionsRetried != 1 {
		t.Errorf("unexpected action counters: %+v", r)
	}
	if r.WorkersEvicted != 1 {
		t.Errorf("workersEvicted = %d", r.WorkersEvicted)
	}
}

func TestReportMarshalsUptimeAsString(t *testing.T) {
	r := New().GenerateReport()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := decoded["uptime"].(string); !ok {
		t.Errorf("expected uptime to be a string, got %T", decoded["uptime"])
	}
}

func TestReportString(t *testing.T) {
	m := New()
	m.RecordActionQueued()
	out := m.GenerateReport().String()
	if !strings.Contains(out, "Actions queued: 1") {
		t.Errorf("unexpected report output:\n%s", out)
	}
}
