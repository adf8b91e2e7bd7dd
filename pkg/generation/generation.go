package generation

import (
	"fmt"
	"time"

	"tabledb/pkg/segment"
)

// Generation is one immutable version of a table replica: the ordered list
// of active chunks and the next sequence id. Generations are never modified
// after publication; every change produces a successor.
type Generation struct {
	Number       uint64        `json:"number"`
	Parent       uint64        `json:"parent"`
	Table        string        `json:"table"`
	Replica      string        `json:"replica"`
	HeadSequence uint64        `json:"head_sequence"`
	Chunks       []segment.Ref `json:"chunks"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Initial returns the empty generation a new table starts from.
func Initial(table, replica string, now time.Time) *Generation {
	return &Generation{
		Table:     table,
		Replica:   replica,
		Chunks:    []segment.Ref{},
		CreatedAt: now,
	}
}

// Successor derives the next generation with a new chunk list.
func (g *Generation) Successor(chunks []segment.Ref, headSeq uint64, now time.Time) *Generation {
	if headSeq < g.HeadSequence {
		headSeq = g.HeadSequence
	}
	cp := make([]segment.Ref, len(chunks))
	copy(cp, chunks)
	return &Generation{
		Number:       g.Number + 1,
		Parent:       g.Number,
		Table:        g.Table,
		Replica:      g.Replica,
		HeadSequence: headSeq,
		Chunks:       cp,
		CreatedAt:    now,
	}
}

// WithAppended returns a successor with ref appended to the chunk list.
func (g *Generation) WithAppended(ref segment.Ref, headSeq uint64, now time.Time) *Generation {
	chunks := make([]segment.Ref, 0, len(g.Chunks)+1)
	chunks = append(chunks, g.Chunks...)
	chunks = append(chunks, ref)
	return g.Successor(chunks, headSeq, now)
}

// Replace substitutes the contiguous run of inputs with output, placed at
// the position of the first input. It fails if the run is not present.
func (g *Generation) Replace(inputs []segment.Ref, output segment.Ref, headSeq uint64, now time.Time) (*Generation, error) {
	start := g.IndexOf(inputs)
	if start < 0 {
		return nil, fmt.Errorf("generation %d does not contain the merge inputs contiguously", g.Number)
	}
	chunks := make([]segment.Ref, 0, len(g.Chunks)-len(inputs)+1)
	chunks = append(chunks, g.Chunks[:start]...)
	chunks = append(chunks, output)
	chunks = append(chunks, g.Chunks[start+len(inputs):]...)
	return g.Successor(chunks, headSeq, now), nil
}

// IndexOf returns the position where run starts as a contiguous sub-list of
// the chunk list, or -1.
func (g *Generation) IndexOf(run []segment.Ref) int {
	if len(run) == 0 || len(run) > len(g.Chunks) {
		return -1
	}
	for i := 0; i+len(run) <= len(g.Chunks); i++ {
		if g.Chunks[i].SequenceID != run[0].SequenceID {
			continue
		}
		for j := range run {
			if g.Chunks[i+j] != run[j] {
				return -1
			}
		}
		return i
	}
	return -1
}

func (g *Generation) Contains(seq uint64) bool {
	_, ok := g.Chunk(seq)
	return ok
}

func (g *Generation) Chunk(seq uint64) (segment.Ref, bool) {
	for _, c := range g.Chunks {
		if c.SequenceID == seq {
			return c, true
		}
	}
	return segment.Ref{}, false
}

func (g *Generation) RecordCount() uint64 {
	return segment.TotalRecords(g.Chunks)
}

func (g *Generation) ByteSize() uint64 {
	return segment.TotalBytes(g.Chunks)
}

// MaxChunkSequence returns the highest chunk id referenced.
func (g *Generation) MaxChunkSequence() (uint64, bool) {
	var (
		max   uint64
		found bool
	)
	for _, c := range g.Chunks {
		if !found || c.SequenceID > max {
			max, found = c.SequenceID, true
		}
	}
	return max, found
}

// Validate checks internal consistency of a loaded manifest.
func (g *Generation) Validate() error {
	seen := make(map[uint64]struct{}, len(g.Chunks))
	for _, c := range g.Chunks {
		if _, dup := seen[c.SequenceID]; dup {
			return fmt.Errorf("generation %d lists chunk %d twice", g.Number, c.SequenceID)
		}
		seen[c.SequenceID] = struct{}{}
		if c.SequenceID >= g.HeadSequence {
			return fmt.Errorf("generation %d: chunk %d is not below head sequence %d", g.Number, c.SequenceID, g.HeadSequence)
		}
		if c.Filename != segment.FileName(c.SequenceID) {
			return fmt.Errorf("generation %d: chunk %d has unexpected file name %q", g.Number, c.SequenceID, c.Filename)
		}
	}
	if g.Number > 0 && g.Parent >= g.Number {
		return fmt.Errorf("generation %d has parent %d", g.Number, g.Parent)
	}
	return nil
}
