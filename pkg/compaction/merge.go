package compaction

import (
	"fmt"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
)

// SegmentMerge concatenates input chunks, in list order, into one output
// chunk. Records are neither reordered nor deduplicated.
type SegmentMerge struct {
	Dir    string
	Inputs []segment.Ref
	Output segment.Ref
	Writer segment.Writer
	// Visit, when set, sees every record written to the output.
	Visit func(msg.Object) error
}

// Merge writes the output chunk and returns its reference. Any input that
// is missing, damaged or disagrees with its reference aborts the merge
// before an output file exists.
func (m *SegmentMerge) Merge() (segment.Ref, error) {
	if len(m.Inputs) == 0 {
		return segment.Ref{}, fmt.Errorf("%w: merge without inputs", dberrors.ErrInvalidArgument)
	}

	b := segment.NewBuilder(m.Writer.Codec)
	var expected uint64
	for _, in := range m.Inputs {
		path := in.Path(m.Dir)
		if err := segment.Verify(path, in, true); err != nil {
			return segment.Ref{}, fmt.Errorf("failed to verify merge input %d: %w", in.SequenceID, err)
		}
		records, err := segment.ReadFile(path)
		if err != nil {
			return segment.Ref{}, fmt.Errorf("failed to read merge input %d: %w", in.SequenceID, err)
		}
		if uint64(len(records)) != in.RecordCount {
			return segment.Ref{}, fmt.Errorf("%w: chunk %d holds %d records, reference says %d",
				dberrors.ErrCorruptSegment, in.SequenceID, len(records), in.RecordCount)
		}
		for _, rec := range records {
			if err := b.Add(rec); err != nil {
				return segment.Ref{}, err
			}
			if m.Visit != nil {
				if err := m.Visit(rec); err != nil {
					return segment.Ref{}, fmt.Errorf("failed to visit merged record: %w", err)
				}
			}
		}
		expected += in.RecordCount
	}

	if b.Count() != expected {
		return segment.Ref{}, fmt.Errorf("merged %d records, expected %d", b.Count(), expected)
	}
	out, err := segment.WriteBuilt(m.Dir, m.Output.SequenceID, b)
	if err != nil {
		return segment.Ref{}, fmt.Errorf("failed to write merge output: %w", err)
	}
	return out, nil
}
