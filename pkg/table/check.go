package table

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"tabledb/pkg/artifact"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/segment"
)

type IssueKind string

const (
	IssueMissingChunk        IssueKind = "missing_chunk"
	IssueSizeMismatch        IssueKind = "size_mismatch"
	IssueChecksumMismatch    IssueKind = "checksum_mismatch"
	IssueIndexMissing        IssueKind = "index_missing"
	IssueIndexMismatch       IssueKind = "index_mismatch"
	IssueIndexStatus         IssueKind = "index_status"
	IssueOrphanChunk         IssueKind = "orphan_chunk"
	IssueDeletedFilePresent  IssueKind = "deleted_file_present"
	IssueDeletingFileMissing IssueKind = "deleting_file_missing"
	IssueUntrackedFile       IssueKind = "untracked_file"
)

// DataLoss reports whether the issue means chunk data the head needs is
// gone or damaged. Such issues are never repaired.
func (k IssueKind) DataLoss() bool {
	switch k {
	case IssueMissingChunk, IssueSizeMismatch, IssueChecksumMismatch:
		return true
	}
	return false
}

type Issue struct {
	Kind     IssueKind `json:"kind"`
	Sequence uint64    `json:"sequence"`
	Detail   string    `json:"detail"`
	Repaired bool      `json:"repaired"`
}

// CheckReport lists every inconsistency found between the head generation,
// the artifact index and the chunk directory.
type CheckReport struct {
	Generation    uint64  `json:"generation"`
	CheckedChunks int     `json:"checked_chunks"`
	Checksums     bool    `json:"checksums"`
	Issues        []Issue `json:"issues"`
}

func (r *CheckReport) OK() bool {
	return len(r.Issues) == 0
}

// Count returns the number of issues of kind.
func (r *CheckReport) Count(kind IssueKind) int {
	n := 0
	for _, is := range r.Issues {
		if is.Kind == kind {
			n++
		}
	}
	return n
}

// Unrepaired returns the issues still present after the check.
func (r *CheckReport) Unrepaired() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if !is.Repaired {
			out = append(out, is)
		}
	}
	return out
}

// RunConsistencyCheck compares the head generation against the chunk files
// and the artifact index. With repair set, index entries are corrected to
// match the head and the files on disk; chunk data is never recreated, so
// missing or damaged chunks are always reported.
func (w *Writer) RunConsistencyCheck(checkChecksums, repair bool) (*CheckReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	head := w.registry.Head()
	report := &CheckReport{Generation: head.Number, Checksums: checkChecksums}
	changed := false
	add := func(kind IssueKind, seq uint64, repaired bool, format string, args ...any) {
		report.Issues = append(report.Issues, Issue{
			Kind:     kind,
			Sequence: seq,
			Detail:   fmt.Sprintf(format, args...),
			Repaired: repaired,
		})
		if repaired {
			changed = true
		}
	}

	for _, c := range head.Chunks {
		report.CheckedChunks++
		err := segment.Verify(c.Path(w.chunkDir), c, checkChecksums)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			add(IssueMissingChunk, c.SequenceID, false, "%s is referenced by generation %d but missing", c.Filename, head.Number)
		case errors.Is(err, dberrors.ErrCorruptSegment):
			add(IssueSizeMismatch, c.SequenceID, false, "%v", err)
		case errors.Is(err, dberrors.ErrChecksumMismatch):
			add(IssueChecksumMismatch, c.SequenceID, false, "%v", err)
		default:
			return nil, fmt.Errorf("failed to verify chunk %d: %w", c.SequenceID, err)
		}

		e, ok := w.index.Get(c.SequenceID)
		switch {
		case !ok:
			if repair {
				if err := w.index.AddChunk(c, artifact.StatusActive); err != nil {
					return nil, err
				}
			}
			add(IssueIndexMissing, c.SequenceID, repair, "chunk is in the head but not in the index")
		case e.Ref != c:
			if repair {
				w.index.Put(artifact.Entry{Ref: c, Status: artifact.StatusActive, UpdatedAt: w.clock.Now()})
			}
			add(IssueIndexMismatch, c.SequenceID, repair, "index records %s, head records %s", e.Ref, c)
		case e.Status != artifact.StatusActive:
			if repair {
				if err := w.index.SetStatus(c.SequenceID, artifact.StatusActive); err != nil {
					return nil, err
				}
			}
			add(IssueIndexStatus, c.SequenceID, repair, "chunk is in the head but indexed as %s", e.Status)
		}
	}

	files, err := w.chunkFiles()
	if err != nil {
		return nil, err
	}

	for _, e := range w.index.ListChunks() {
		seq := e.Ref.SequenceID
		if head.Contains(seq) {
			continue
		}
		_, onDisk := files[seq]
		switch e.Status {
		case artifact.StatusActive:
			if repair {
				if err := w.index.SetStatus(seq, artifact.StatusDeleting); err != nil {
					return nil, err
				}
			}
			add(IssueOrphanChunk, seq, repair, "chunk is Active but no generation head references it")
		case artifact.StatusDeleting:
			if !onDisk {
				if repair {
					if err := w.index.SetStatus(seq, artifact.StatusDeleted); err != nil {
						return nil, err
					}
				}
				add(IssueDeletingFileMissing, seq, repair, "chunk is Deleting but its file is already gone")
			}
		case artifact.StatusDeleted:
			if onDisk {
				if repair {
					if err := w.index.SetStatus(seq, artifact.StatusDeleting); err != nil {
						return nil, err
					}
				}
				add(IssueDeletedFilePresent, seq, repair, "chunk is Deleted but its file still exists")
			}
		}
	}

	untracked := make([]uint64, 0)
	for seq := range files {
		if _, ok := w.index.Get(seq); ok || head.Contains(seq) || w.isInflight(seq) {
			continue
		}
		untracked = append(untracked, seq)
	}
	sort.Slice(untracked, func(i, j int) bool { return untracked[i] < untracked[j] })
	for _, seq := range untracked {
		add(IssueUntrackedFile, seq, false, "%s is not registered in the index", segment.FileName(seq))
	}

	if repair && changed {
		if err := w.index.Persist(); err != nil {
			return report, err
		}
	}

	w.metrics.SetConsistencyIssues(w.table, len(report.Unrepaired()))
	if !report.OK() {
		w.logger.Warn("consistency check found issues",
			"generation", head.Number,
			"issues", len(report.Issues),
			"unrepaired", len(report.Unrepaired()),
		)
	}
	return report, nil
}
