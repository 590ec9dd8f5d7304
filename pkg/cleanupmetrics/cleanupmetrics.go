package cleanupmetrics

import (
	"sync/atomic"
	"time"

	"github.com/cronos-project/cronos-backup/pkg/clog"
)

// Metrics defines the interface for collecting and reporting cleanup statistics.
type Metrics interface {
	AddBackupsDeleted(n int64)
	AddBackupsFailed(n int64)
	AddStraysFound(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// CleanupMetrics holds the atomic counters for tracking the cleanup operation's progress.
type CleanupMetrics struct {
	BackupsDeleted atomic.Int64
	BackupsFailed  atomic.Int64
	StraysFound    atomic.Int64

	log      clog.Logger
	stopChan chan struct{}
}

// New returns metrics that report through the given logger.
func New(log clog.Logger) *CleanupMetrics {
	if log == nil {
		log = clog.Nop()
	}
	return &CleanupMetrics{log: log}
}

func (m *CleanupMetrics) AddBackupsDeleted(n int64) { m.BackupsDeleted.Add(n) }
func (m *CleanupMetrics) AddBackupsFailed(n int64)  { m.BackupsFailed.Add(n) }
func (m *CleanupMetrics) AddStraysFound(n int64)    { m.StraysFound.Add(n) }

func (m *CleanupMetrics) StartProgress(msg string, interval time.Duration) {
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

func (m *CleanupMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
	}
}

func (m *CleanupMetrics) LogSummary(msg string) {
	m.log.Info(msg,
		"backups_deleted", m.BackupsDeleted.Load(),
		"backups_failed", m.BackupsFailed.Load(),
		"strays_found", m.StraysFound.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddBackupsDeleted(n int64)                        {}
func (m *NoopMetrics) AddBackupsFailed(n int64)                         {}
func (m *NoopMetrics) AddStraysFound(n int64)                           {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*CleanupMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
