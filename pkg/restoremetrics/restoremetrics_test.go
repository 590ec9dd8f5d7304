package restoremetrics

import (
	"sync"
	"testing"
)

// recordingLogger captures the last Info call for summary assertions.
type recordingLogger struct {
	mu  sync.Mutex
	msg string
	kv  []any
}

func (r *recordingLogger) Debug(msg string, kv ...any) {}
func (r *recordingLogger) Warn(msg string, kv ...any)  {}
func (r *recordingLogger) Error(msg string, kv ...any) {}

func (r *recordingLogger) Info(msg string, kv ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msg = msg
	r.kv = kv
}

func (r *recordingLogger) field(key string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i+1 < len(r.kv); i += 2 {
		if r.kv[i] == key {
			return r.kv[i+1]
		}
	}
	return nil
}

func TestRestoreMetricsAdders(t *testing.T) {
	m := New(nil)

	m.AddFilesExtracted(4)
	m.AddFilesFailed(1)
	m.AddBytesWritten(4096)

	if got := m.FilesExtracted.Load(); got != 4 {
		t.Errorf("Expected FilesExtracted to be 4, got %d", got)
	}
	if got := m.FilesFailed.Load(); got != 1 {
		t.Errorf("Expected FilesFailed to be 1, got %d", got)
	}
	if got := m.BytesWritten.Load(); got != 4096 {
		t.Errorf("Expected BytesWritten to be 4096, got %d", got)
	}
}

func TestRestoreMetricsLogSummary(t *testing.T) {
	rec := &recordingLogger{}
	m := New(rec)

	m.AddFilesExtracted(8)
	m.AddBytesWritten(1024)
	m.LogSummary("Restore finished")

	if rec.msg != "Restore finished" {
		t.Errorf("Expected summary message 'Restore finished', got %q", rec.msg)
	}
	if got := rec.field("files_extracted"); got != int64(8) {
		t.Errorf("Expected files_extracted 8, got %v", got)
	}
	if got := rec.field("bytes_written"); got != int64(1024) {
		t.Errorf("Expected bytes_written 1024, got %v", got)
	}
}

func TestNoopMetrics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("NoopMetrics method panicked: %v", r)
		}
	}()

	m := &NoopMetrics{}
	m.AddFilesExtracted(1)
	m.AddFilesFailed(1)
	m.AddBytesWritten(1)
	m.LogSummary("noop")
	m.StartProgress("noop", 0)
	m.StopProgress()
}
