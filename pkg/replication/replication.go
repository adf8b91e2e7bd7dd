package replication

import (
	"context"
	"errors"
	"fmt"
	"io"

	"tabledb/pkg/generation"
	"tabledb/pkg/segment"
	"tabledb/pkg/table"
)

var ErrNoSource = errors.New("replication source not configured")

// Source exposes the head generation of another replica and the bytes of
// its chunks.
type Source interface {
	Descriptor(ctx context.Context, tableName string) (generation.Descriptor, error)
	FetchChunk(ctx context.Context, tableName string, ref segment.Ref) (io.ReadCloser, error)
}

type iReplica interface {
	Name() string
	ReplicateFrom(ctx context.Context, desc generation.Descriptor, fetcher table.ChunkFetcher) error
}

// tableFetcher binds a Source to one table.
type tableFetcher struct {
	src   Source
	table string
}

func (f tableFetcher) FetchChunk(ctx context.Context, ref segment.Ref) (io.ReadCloser, error) {
	return f.src.FetchChunk(ctx, f.table, ref)
}

// Bootstrap adopts the current head of src for the replica's table.
func Bootstrap(ctx context.Context, replica iReplica, src Source) error {
	if src == nil {
		return ErrNoSource
	}
	desc, err := src.Descriptor(ctx, replica.Name())
	if err != nil {
		return fmt.Errorf("failed to get descriptor of %s: %w", replica.Name(), err)
	}
	if err := replica.ReplicateFrom(ctx, desc, tableFetcher{src: src, table: replica.Name()}); err != nil {
		return fmt.Errorf("failed to replicate %s from %s: %w", replica.Name(), desc.Source, err)
	}
	return nil
}
