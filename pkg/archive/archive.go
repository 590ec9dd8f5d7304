// --- ARCHITECTURAL OVERVIEW: Archive Creation ---
//
// The Writer follows a "stateless engine / per-run task" split. The
// Writer itself holds only reusable resources (buffer pools, clock,
// logger, alert dispatcher) and is safe for concurrent use; every
// Create call builds a fresh task carrying all mutable run state.
//
// An archive run is tolerant of per-file trouble and strict about
// artifact integrity:
//  1. Files that cannot be opened or stat'ed are skipped and reported
//     in the batch outcome; one unreadable file must not sink a backup.
//  2. Errors after bytes entered the archive stream are fatal. A
//     half-written member cannot be unwritten, so the run aborts and
//     deletes the partial artifact rather than leave a lying archive.
//  3. The archive is built in a temporary file and moved into place
//     with an atomic rename; its checksum manifest is committed first.
//     A crash can orphan a manifest, never a manifest-less archive.

// Package archive builds compressed backup archives from a source tree
// under include/exclude pattern rules.
package archive

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/cronos-project/cronos-backup/pkg/alert"
	"github.com/cronos-project/cronos-backup/pkg/archivemetrics"
	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/pool"
	"github.com/cronos-project/cronos-backup/pkg/util"
)

// Writer creates backup archives. One Writer serves the whole process.
type Writer struct {
	ioWriterPool *sync.Pool
	ioBufferPool *pool.FixedBufferPool
	clk          clock.Clock
	log          clog.Logger
	pub          *alert.Dispatcher
}

// NewWriter creates a Writer with the given I/O buffer size.
func NewWriter(bufferSizeKB int, clk clock.Clock, pub *alert.Dispatcher, log clog.Logger) *Writer {
	if log == nil {
		log = clog.Nop()
	}
	if pub == nil {
		pub = alert.NewDispatcher(nil, log)
	}
	bufferSize := bufferSizeKB * 1024
	return &Writer{
		clk: clk,
		log: log,
		pub: pub,
		ioWriterPool: &sync.Pool{
			New: func() interface{} {
				return bufio.NewWriterSize(io.Discard, bufferSize)
			},
		},
		ioBufferPool: pool.NewFixedBuffer(int64(bufferSize)),
	}
}

// Create archives the tree described by plan and returns the resulting
// record plus the explicit list of files it had to skip.
func (w *Writer) Create(ctx context.Context, plan CreatePlan) (Result, error) {
	// Check for cancellation
	select {
	case <-ctx.Done():
		return Result{}, faults.Wrap(faults.Cancelled, "archive.create", ctx.Err())
	default:
	}

	match, err := newMatcher(plan.Include, util.MergeAndDeduplicate(plan.Exclude, DefaultExcludes()))
	if err != nil {
		return Result{}, faults.Wrap(faults.Validation, "archive.create", err)
	}

	var m archivemetrics.Metrics
	if plan.Metrics {
		m = archivemetrics.New(w.log)
	} else {
		// Use the No-op implementation if metrics are disabled.
		m = &archivemetrics.NoopMetrics{}
	}

	t := &createTask{
		Writer:  w,
		ctx:     ctx,
		plan:    plan,
		match:   match,
		metrics: m,
	}

	m.StartProgress("Archive progress", 10*time.Second)
	defer func() {
		m.StopProgress()
		m.LogSummary("Archive finished")
	}()

	return t.execute()
}
