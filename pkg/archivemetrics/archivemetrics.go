package archivemetrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cronos-project/cronos-backup/pkg/clog"
)

// Metrics defines the interface for collecting and reporting archive creation statistics.
type Metrics interface {
	AddFilesAdded(n int64)
	AddFilesSkipped(n int64)
	AddOriginalBytes(n int64)
	AddCompressedBytes(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// ArchiveMetrics holds the atomic counters for tracking an archive run's progress.
// It is the concrete implementation of the Metrics interface.
type ArchiveMetrics struct {
	FilesAdded      atomic.Int64
	FilesSkipped    atomic.Int64
	OriginalBytes   atomic.Int64
	CompressedBytes atomic.Int64

	log      clog.Logger
	stopChan chan struct{}
}

// New returns metrics that report through the given logger.
func New(log clog.Logger) *ArchiveMetrics {
	if log == nil {
		log = clog.Nop()
	}
	return &ArchiveMetrics{log: log}
}

func (m *ArchiveMetrics) AddFilesAdded(n int64)      { m.FilesAdded.Add(n) }
func (m *ArchiveMetrics) AddFilesSkipped(n int64)    { m.FilesSkipped.Add(n) }
func (m *ArchiveMetrics) AddOriginalBytes(n int64)   { m.OriginalBytes.Add(n) }
func (m *ArchiveMetrics) AddCompressedBytes(n int64) { m.CompressedBytes.Add(n) }

func (m *ArchiveMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *ArchiveMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
	}
}

// LogSummary logs the current state of the metrics.
// This can be called by a background ticker or at the end of the run.
func (m *ArchiveMetrics) LogSummary(msg string) {
	orig := m.OriginalBytes.Load()
	comp := m.CompressedBytes.Load()

	// Calculate compression ratio (avoid division by zero)
	var ratio float64
	if orig > 0 {
		ratio = float64(comp) / float64(orig) * 100.0
	}

	m.log.Info(msg,
		"files_added", m.FilesAdded.Load(),
		"files_skipped", m.FilesSkipped.Load(),
		"original_bytes", fmt.Sprintf("%d", orig),
		"compressed_bytes", fmt.Sprintf("%d", comp),
		"ratio", fmt.Sprintf("%.1f%%", ratio),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesAdded(n int64)                            {}
func (m *NoopMetrics) AddFilesSkipped(n int64)                          {}
func (m *NoopMetrics) AddOriginalBytes(n int64)                         {}
func (m *NoopMetrics) AddCompressedBytes(n int64)                       {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*ArchiveMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
