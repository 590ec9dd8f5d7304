// Package verify checks archived backups against their checksum
// manifests.
//
// Verification is deliberately strict: a backup with no manifest fails
// closed rather than passing silently, and any divergence between the
// manifest, the archive membership and the recorded file count is a
// failure naming the first offending path.
package verify

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/errgroup"

	"github.com/cronos-project/cronos-backup/pkg/clog"
	"github.com/cronos-project/cronos-backup/pkg/faults"
	"github.com/cronos-project/cronos-backup/pkg/manifest"
	"github.com/cronos-project/cronos-backup/pkg/pool"
	"github.com/cronos-project/cronos-backup/pkg/record"
)

const verifyOp = "verify"

// ReasonManifestAbsent is the fixed failure reason for a backup whose
// manifest cannot be found. Verification never passes without one.
const ReasonManifestAbsent = "manifest absent"

// Report is the outcome of one verification pass.
type Report struct {
	OK           bool
	Reason       string
	FilesChecked int
}

// Verifier recomputes member checksums against the manifest. It is
// stateless and safe for concurrent use.
type Verifier struct {
	workers int
	bufs    *pool.FixedBufferPool
	log     clog.Logger
}

// hashBufferSize sizes the copy buffers used to stream members into the
// hash. Verification is read-only, so it is not tied to the configured
// archive buffer size.
const hashBufferSize = 64 * 1024

// NewVerifier creates a Verifier hashing up to workers members in parallel.
func NewVerifier(workers int, log clog.Logger) *Verifier {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = clog.Nop()
	}
	return &Verifier{
		workers: workers,
		bufs:    pool.NewFixedBuffer(hashBufferSize),
		log:     log,
	}
}

// Verify checks rec's archive. Integrity problems come back inside the
// Report; the error return is reserved for cancellation.
func (v *Verifier) Verify(ctx context.Context, rec record.BackupRecord) (Report, error) {
	zr, err := zip.OpenReader(rec.Location)
	if err != nil {
		return Report{Reason: fmt.Sprintf("cannot open archive: %v", err)}, nil
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	entries, err := manifest.ReadFile(rec.ManifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Report{Reason: ReasonManifestAbsent}, nil
		}
		return Report{Reason: fmt.Sprintf("manifest unreadable: %v", err)}, nil
	}

	// The reserved metadata member describes the archive and is neither
	// counted nor listed in the manifest.
	members := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.Name == record.MetadataMemberName {
			continue
		}
		members = append(members, f)
	}

	if uint64(len(members)) != rec.FileCount {
		return Report{
			Reason: fmt.Sprintf("file count mismatch: archive holds %d, record expects %d", len(members), rec.FileCount),
		}, nil
	}

	idx := manifest.Index(entries)

	// Membership must match the manifest in both directions before any
	// hashing happens; set divergence is cheaper to detect than a
	// checksum sweep.
	memberSet := make(map[string]struct{}, len(members))
	for _, f := range members {
		memberSet[f.Name] = struct{}{}
		if _, ok := idx[f.Name]; !ok {
			return Report{Reason: f.Name + ": not listed in manifest"}, nil
		}
	}
	for _, e := range entries {
		if _, ok := memberSet[e.Path]; !ok {
			return Report{Reason: e.Path + ": missing from archive"}, nil
		}
	}

	// Hash members in parallel. Failures land in a per-index slot so
	// the reported path is always the first offender in archive order,
	// regardless of which goroutine finished when.
	failures := make([]string, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for i, f := range members {
		i, f := i, f
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			sum, hashErr := v.hashMember(f)
			if hashErr != nil {
				failures[i] = fmt.Sprintf("cannot read member: %v", hashErr)
				return nil
			}
			if sum != idx[f.Name] {
				failures[i] = "checksum mismatch"
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, faults.Wrap(faults.Cancelled, verifyOp, err)
	}

	for i, failure := range failures {
		if failure != "" {
			return Report{Reason: members[i].Name + ": " + failure, FilesChecked: len(members)}, nil
		}
	}

	v.log.Debug("Verification passed", "archive", rec.Location, "files", len(members))
	return Report{OK: true, FilesChecked: len(members)}, nil
}

func (v *Verifier) hashMember(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	bufPtr := v.bufs.Get()
	defer v.bufs.Put(bufPtr)
	if _, err := io.CopyBuffer(h, rc, *bufPtr); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
