// Package lockfile guards a backup directory against concurrent runs from
// other processes. The in-process mutex inside the service covers goroutines;
// this covers the cron-job-overlaps-with-manual-run case.
//
// The lock is a JSON file created with O_EXCL in the guarded directory. A
// background heartbeat refreshes its timestamp while the lock is held, so a
// crashed holder leaves a file that goes stale and can be taken over. Takeover
// uses a nonce and an atomic rename so two takers cannot both win.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/util"
)

// LockFileName is created inside the guarded directory. The '~' prefix marks
// it as transient housekeeping, not backup data.
const LockFileName = ".~cronos-backup.lock"

// LockContent is the JSON body of the lock file. It identifies the holder so
// a blocked run can tell the operator who is in the way.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"`
	AppID      string    `json:"appID"`
}

// ErrLockActive reports a lock held by a live process.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	// Truncate the age for readable output, "3m2s" not "3m2.123456789s".
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace signals that another process won a stale-lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates the lock file on disk stayed empty or invalid
// across read retries.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is a held lock. Release stops the heartbeat and removes the file.
type Lock struct {
	path    string
	content LockContent
	log     clog.Logger

	// ctx and cancel bound the heartbeat goroutine.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	held bool
}

// Vars rather than consts so tests can shrink the timing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout leaves room for a few missed heartbeats before a lock
	// is considered abandoned.
	staleTimeout = 3 * heartbeatInterval
)

// Acquire takes the lock for dirPath. It returns *ErrLockActive when a live
// process already holds it, and takes over locks whose holder stopped
// heartbeating. ctx bounds the acquisition attempt only, not the heartbeat.
func Acquire(ctx context.Context, dirPath string, appID string, log clog.Logger) (*Lock, error) {
	lockPath := filepath.Join(dirPath, LockFileName)

	// Retry a few times so a concurrent holder's release or a lost takeover
	// race does not immediately fail the run.
	const maxAttempts = 3
	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryAcquire(lockPath, appID, log)
		if err == nil {
			cleanupTempLockFiles(lockPath, log)
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			// Anything but "file exists" is a real filesystem problem.
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// Someone holds the lock. Decide whether they are still alive.
		content, readErr := readLockContentSafely(lockPath)
		if readErr != nil {
			if !errors.Is(readErr, ErrCorruptLockFile) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			// A persistently unreadable lock is treated as abandoned.
			log.Warn("Found corrupt lock file, treating as stale", "path", lockPath, "error", readErr)
		} else {
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					AppID:     content.AppID,
					TimeSince: elapsed,
				}
			}
			log.Warn("Found stale lock, attempting takeover", "pid", content.PID, "age", elapsed)
		}

		lock, takeoverErr := attemptStaleLockTakeover(lockPath, appID, log)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				log.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				log.Warn("Lock takeover failed, retrying", "error", takeoverErr)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		cleanupTempLockFiles(lockPath, log)
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// tryAcquire creates the lock file with O_EXCL, so it succeeds only when no
// lock file exists yet.
func tryAcquire(lockPath string, appID string, log clog.Logger) (*Lock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	content := LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
		AppID:      appID,
	}
	l := newLock(lockPath, content, log)

	// The file must never sit empty: a reader would classify it as corrupt.
	if err := writeLockContent(f, content); err != nil {
		l.cancel()
		l.cleanup()
		return nil, err
	}
	return l, nil
}

func newLock(lockPath string, content LockContent, log clog.Logger) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    lockPath,
		content: content,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		held:    true,
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call more
// than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

// attemptStaleLockTakeover replaces a stale or corrupt lock file via atomic
// rename, then reads it back. Only the process whose PID and nonce survive
// the read-back owns the lock; everyone else lost the race.
func attemptStaleLockTakeover(lockPath string, appID string, log clog.Logger) (*Lock, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	myPID := int64(os.Getpid())
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	takeoverContent := LockContent{
		PID:        myPID,
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		AppID:      appID,
		Nonce:      nonce,
	}
	if err := updateLockFileAtomic(lockPath, takeoverContent, log); err != nil {
		return nil, err
	}

	readback, err := readLockContentSafely(lockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.PID == myPID && readback.Nonce == nonce {
		log.Debug("Successfully took over stale lock", "path", lockPath)
		return newLock(lockPath, takeoverContent, log), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		l.log.Debug("Lock released", "path", l.path)
	}
}

// heartbeat refreshes the lock file timestamp until Release cancels it. A
// failed update is retried on the next tick rather than aborting the run.
func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateLockFileAtomic(l.path, l.content, l.log); err != nil {
				l.log.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateLockFileAtomic writes the content to a sibling temp file and renames
// it over the lock path, so readers never observe a partial write. The temp
// file lives in the same directory because rename is only atomic within one
// filesystem.
func updateLockFileAtomic(lockPath string, content LockContent, log clog.Logger) error {
	dir := filepath.Dir(lockPath)

	tmpF, err := os.CreateTemp(dir, filepath.Base(lockPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		// Gone after a successful rename; only other failures are worth a log line.
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			log.Warn("Failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	// Close before rename, mandatory on Windows.
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpF.Name(), lockPath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes heartbeat temp files abandoned by crashed
// runs. Only files unmodified for longer than the stale timeout go; anything
// younger may belong to a live holder mid-heartbeat.
func cleanupTempLockFiles(lockPath string, log clog.Logger) {
	dir := filepath.Dir(lockPath)
	pattern := filepath.Join(dir, filepath.Base(lockPath)+".*.tmp")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		log.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			log.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()))
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				log.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
			}
		}
	}
}

// generateNonce returns a random 16-byte token as a hex string.
func generateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return fmt.Sprintf("%x", nonceBytes), nil
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the lock file, retrying through the transient
// empty or partial states another process's write cycle can expose.
func readLockContentSafely(lockPath string) (LockContent, error) {
	var lastErr error
	var lastCorruptErr error

	for i := 0; i < 3; i++ {
		f, err := os.Open(lockPath)
		if err != nil {
			return LockContent{}, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			lastCorruptErr = fmt.Errorf("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		lastCorruptErr = json.Unmarshal(data, &content)
		if lastCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	if lastCorruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastCorruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
