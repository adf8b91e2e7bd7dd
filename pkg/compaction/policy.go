package compaction

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/generation"
	"tabledb/pkg/segment"
)

const (
	KB = 1 << 10
	MB = 1 << 20
)

// Step is one size tier. A chunk belongs to the tier when Min <= size <= Max.
type Step struct {
	Min uint64 `yaml:"min" json:"min"`
	Max uint64 `yaml:"max" json:"max"`
}

// DefaultSteps returns the default size tiers, smallest first.
func DefaultSteps() []Step {
	return []Step{
		{Min: 0, Max: 8 * MB},
		{Min: 8 * MB, Max: 32 * MB},
		{Min: 32 * MB, Max: 128 * MB},
		{Min: 128 * MB, Max: 512 * MB},
	}
}

type PolicyOptions struct {
	Steps []Step
	// MinGroup is the fewest chunks a merge may combine.
	MinGroup int
	// RandomOffset widens the choice to the first RandomOffset+1 eligible
	// groups of a tier. Zero always picks the lowest starting chunk.
	RandomOffset int
	Seed         uint64
}

// Plan is one selected merge: a contiguous run of inputs and the reference
// reserved for the output chunk.
type Plan struct {
	Inputs []segment.Ref
	Output segment.Ref
	Step   Step
}

// InputBytes sums the sizes of the inputs.
func (p *Plan) InputBytes() uint64 {
	return segment.TotalBytes(p.Inputs)
}

// Policy selects chunks for size-tiered compaction.
type Policy struct {
	steps        []Step
	minGroup     int
	randomOffset int

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewPolicy(opts PolicyOptions) (*Policy, error) {
	steps := opts.Steps
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	for i, s := range steps {
		if s.Max < s.Min {
			return nil, fmt.Errorf("%w: merge step %d has max %d below min %d", dberrors.ErrInvalidArgument, i, s.Max, s.Min)
		}
	}
	minGroup := opts.MinGroup
	if minGroup < 2 {
		minGroup = 2
	}
	if opts.RandomOffset < 0 {
		return nil, fmt.Errorf("%w: negative random offset", dberrors.ErrInvalidArgument)
	}
	return &Policy{
		steps:        append([]Step(nil), steps...),
		minGroup:     minGroup,
		randomOffset: opts.RandomOffset,
		rnd:          rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (p *Policy) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

type candidate struct {
	start, count int
}

// FindNextMerge looks for a run of chunks in gen to merge. Steps are tried
// in order; within the first step that yields candidates one is chosen by
// the random offset. minMerged and maxMerged bound the total input size;
// a zero maxMerged means no upper bound. nextSeq is called once, only when
// a plan is returned, to reserve the output id.
func (p *Policy) FindNextMerge(gen *generation.Generation, minMerged, maxMerged uint64, nextSeq func() uint64) (*Plan, bool) {
	if maxMerged == 0 {
		maxMerged = math.MaxUint64
	}
	chunks := gen.Chunks

	for _, step := range p.steps {
		var candidates []candidate
		for i := 0; i < len(chunks); {
			n, ok := p.tryFoldIntoMerge(step, chunks, i, minMerged, maxMerged)
			if !ok {
				i++
				continue
			}
			candidates = append(candidates, candidate{start: i, count: n})
			i += n
		}
		if len(candidates) == 0 {
			continue
		}

		pick := candidates[p.choose(len(candidates))]
		inputs := append([]segment.Ref(nil), chunks[pick.start:pick.start+pick.count]...)
		seq := nextSeq()
		return &Plan{
			Inputs: inputs,
			Output: segment.Ref{SequenceID: seq, Filename: segment.FileName(seq)},
			Step:   step,
		}, true
	}
	return nil, false
}

func (p *Policy) choose(n int) int {
	if p.randomOffset == 0 || n == 1 {
		return 0
	}
	if limit := p.randomOffset + 1; n > limit {
		n = limit
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.IntN(n)
}

// tryFoldIntoMerge accumulates chunks from idx while each fits step and the
// running total stays within maxMerged. It accepts as soon as the run has
// at least minGroup members and minMerged bytes, returning the run length.
func (p *Policy) tryFoldIntoMerge(step Step, chunks []segment.Ref, idx int, minMerged, maxMerged uint64) (int, bool) {
	var total uint64
	for j := idx; j < len(chunks); j++ {
		size := chunks[j].ByteSize
		if size < step.Min || size > step.Max {
			return 0, false
		}
		if total+size > maxMerged {
			return 0, false
		}
		total += size
		if n := j - idx + 1; n >= p.minGroup && total >= minMerged {
			return n, true
		}
	}
	return 0, false
}
