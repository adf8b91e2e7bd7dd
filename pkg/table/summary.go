package table

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tabledb/pkg/fsutil"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
)

const summarySuffix = ".summary"

// SummaryBuilder derives a small sidecar file from the records of a chunk.
type SummaryBuilder interface {
	Name() string
	Add(obj msg.Object) error
	Encode() ([]byte, error)
}

// SummaryFactory creates a fresh builder for each chunk.
type SummaryFactory func() SummaryBuilder

// AddSummary registers a summary built for every chunk written from now on:
// committed chunks, merge outputs and adopted replica chunks.
func (w *Writer) AddSummary(factory SummaryFactory) error {
	name := factory().Name()
	if name == "" || strings.ContainsAny(name, `./\`) {
		return fmt.Errorf("invalid summary name %q", name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summaries = append(w.summaries, factory)
	return nil
}

func (w *Writer) summaryFactories() []SummaryFactory {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]SummaryFactory(nil), w.summaries...)
}

// SummaryPath locates the summary name of chunk seq.
func (w *Writer) SummaryPath(seq uint64, name string) string {
	return filepath.Join(w.chunkDir, segment.FileName(seq)+"."+name+summarySuffix)
}

func newBuilders(factories []SummaryFactory) []SummaryBuilder {
	builders := make([]SummaryBuilder, 0, len(factories))
	for _, f := range factories {
		builders = append(builders, f())
	}
	return builders
}

// writeSummaries builds every registered summary over records. Summaries
// are advisory; failures are logged and never fail the chunk write.
func (w *Writer) writeSummaries(ref segment.Ref, records []msg.Object) {
	if len(w.summaries) == 0 {
		return
	}
	builders := newBuilders(w.summaries)
	for _, rec := range records {
		w.feedSummaries(builders, ref.SequenceID, rec)
	}
	w.persistSummaries(ref.SequenceID, builders)
}

// feedSummaries hands rec to every builder of chunk seq.
func (w *Writer) feedSummaries(builders []SummaryBuilder, seq uint64, rec msg.Object) {
	for _, b := range builders {
		if err := b.Add(rec); err != nil {
			w.logger.Warn("summary rejected record", "summary", b.Name(), "seq", seq, "error", err)
		}
	}
}

func (w *Writer) persistSummaries(seq uint64, builders []SummaryBuilder) {
	for _, b := range builders {
		data, err := b.Encode()
		if err != nil {
			w.logger.Warn("failed to encode summary", "summary", b.Name(), "seq", seq, "error", err)
			continue
		}
		if err := fsutil.WriteFileAtomic(w.SummaryPath(seq, b.Name()), data, 0o644); err != nil {
			w.logger.Warn("failed to write summary", "summary", b.Name(), "seq", seq, "error", err)
		}
	}
}

func (w *Writer) removeSummaries(seq uint64) {
	matches, err := filepath.Glob(filepath.Join(w.chunkDir, segment.FileName(seq)+".*"+summarySuffix))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove summary", "path", m, "error", err)
		}
	}
}

// FieldRange summarises one numeric field of a chunk.
type FieldRange struct {
	Field   string  `json:"field"`
	Records uint64  `json:"records"`
	Present uint64  `json:"present"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

type fieldRangeBuilder struct {
	id    uint32
	state FieldRange
}

// FieldRangeSummary records the min and max of a numeric field per chunk.
func FieldRangeSummary(schema *msg.Schema, field string) (SummaryFactory, error) {
	def, ok := schema.FieldByName(field)
	if !ok {
		return nil, fmt.Errorf("schema %s has no field %q", schema.Name, field)
	}
	switch def.Type {
	case msg.TypeInt32, msg.TypeInt64, msg.TypeUInt64, msg.TypeFloat32, msg.TypeFloat64:
	default:
		return nil, fmt.Errorf("field %q is %s, not numeric", field, def.Type)
	}
	if def.Repeated {
		return nil, fmt.Errorf("field %q is repeated", field)
	}
	return func() SummaryBuilder {
		return &fieldRangeBuilder{id: def.ID, state: FieldRange{Field: field}}
	}, nil
}

func (b *fieldRangeBuilder) Name() string {
	return "range_" + b.state.Field
}

func (b *fieldRangeBuilder) Add(obj msg.Object) error {
	b.state.Records++
	v, ok := obj.Get(b.id)
	if !ok {
		return nil
	}
	var f float64
	switch v.Type {
	case msg.TypeInt32:
		f = float64(v.Int32)
	case msg.TypeInt64:
		f = float64(v.Int64)
	case msg.TypeUInt64:
		f = float64(v.UInt64)
	case msg.TypeFloat32:
		f = float64(v.Float32)
	case msg.TypeFloat64:
		f = v.Float64
	default:
		return fmt.Errorf("field %s is %s", b.state.Field, v.Type)
	}
	if b.state.Present == 0 || f < b.state.Min {
		b.state.Min = f
	}
	if b.state.Present == 0 || f > b.state.Max {
		b.state.Max = f
	}
	b.state.Present++
	return nil
}

func (b *fieldRangeBuilder) Encode() ([]byte, error) {
	return json.Marshal(b.state)
}

// ReadFieldRange loads a summary written by FieldRangeSummary.
func (w *Writer) ReadFieldRange(seq uint64, field string) (FieldRange, error) {
	var out FieldRange
	data, err := os.ReadFile(w.SummaryPath(seq, "range_"+field))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to parse summary: %w", err)
	}
	return out, nil
}
