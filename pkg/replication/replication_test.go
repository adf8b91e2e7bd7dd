package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
	"tabledb/pkg/table"
)

var schema = &msg.Schema{
	Name: "event",
	Fields: []msg.FieldDef{
		{ID: 1, Name: "id", Type: msg.TypeInt64},
	},
}

func openReplica(t *testing.T, root, replica string) *table.Writer {
	t.Helper()
	w, err := table.Open(table.Options{
		Table:   "events",
		Replica: replica,
		Path:    root,
		Schema:  schema,
		Codec:   segment.CodecSnappy,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func commit(t *testing.T, w *table.Writer, n int) {
	t.Helper()
	first := int64(w.Head().RecordCount())
	for i := 0; i < n; i++ {
		require.NoError(t, w.AddRecord(msg.NewObject(msg.F(1, msg.Int64(first+int64(i))))))
	}
	_, err := w.Commit()
	require.NoError(t, err)
}

func TestBootstrap_DirSource(t *testing.T) {
	root := t.TempDir()
	src := openReplica(t, root, "r1")
	commit(t, src, 3)
	commit(t, src, 2)

	dst := openReplica(t, root, "r2")
	require.NoError(t, Bootstrap(context.Background(), dst, NewDirSource(root, "r1")))
	require.Equal(t, src.Head().Chunks, dst.Head().Chunks)
	require.Equal(t, uint64(5), dst.Head().RecordCount())
}

func TestDirSource_MissingReplica(t *testing.T) {
	_, err := NewDirSource(t.TempDir(), "r9").Descriptor(context.Background(), "events")
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestBootstrap_NoSource(t *testing.T) {
	dst := openReplica(t, t.TempDir(), "r2")
	require.ErrorIs(t, Bootstrap(context.Background(), dst, nil), ErrNoSource)
}

// peerServer serves the two admin endpoints HTTPSource reads, backed by
// a directory source.
func peerServer(t *testing.T, src *DirSource) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/tables/{table}/generation", func(w http.ResponseWriter, req *http.Request) {
		desc, err := src.Descriptor(req.Context(), chi.URLParam(req, "table"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		desc.Source = ""
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(desc)
	})
	r.Get("/tables/{table}/chunks/{seq}", func(w http.ResponseWriter, req *http.Request) {
		tableName := chi.URLParam(req, "table")
		seq, err := strconv.ParseUint(chi.URLParam(req, "seq"), 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rc, err := src.FetchChunk(req.Context(), tableName, segment.Ref{SequenceID: seq, Filename: segment.FileName(seq)})
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer rc.Close()
		_, _ = io.Copy(w, rc)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestBootstrap_HTTPSource(t *testing.T) {
	srcRoot := t.TempDir()
	src := openReplica(t, srcRoot, "r1")
	commit(t, src, 4)
	commit(t, src, 1)
	srv := peerServer(t, NewDirSource(srcRoot, "r1"))

	dst := openReplica(t, t.TempDir(), "r1")
	httpSrc := NewHTTPSource(srv.URL+"/", nil)
	require.NoError(t, Bootstrap(context.Background(), dst, httpSrc))
	require.Equal(t, src.Head().Chunks, dst.Head().Chunks)

	desc, err := httpSrc.Descriptor(context.Background(), "events")
	require.NoError(t, err)
	require.Equal(t, srv.URL, desc.Source)
}

func TestHTTPSource_Errors(t *testing.T) {
	srv := peerServer(t, NewDirSource(t.TempDir(), "r1"))
	httpSrc := NewHTTPSource(srv.URL, srv.Client())

	_, err := httpSrc.Descriptor(context.Background(), "events")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")

	_, err = httpSrc.FetchChunk(context.Background(), "events", segment.Ref{SequenceID: 7})
	require.Error(t, err)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = data
	f.puts = append(f.puts, aws.ToString(in.Key))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) chunkPuts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.puts {
		if strings.Contains(k, "/chunks/") {
			n++
		}
	}
	return n
}

func TestS3_ExportAndBootstrap(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	src := openReplica(t, t.TempDir(), "r1")
	commit(t, src, 3)
	commit(t, src, 3)

	exporter := NewS3Exporter(client, "backups", "/tabledb/")
	n, err := exporter.Export(ctx, src.Descriptor("r1"), src.ChunkDir())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Contains(t, client.objects, "backups/tabledb/events/HEAD.json")
	require.Contains(t, client.objects, "backups/tabledb/events/chunks/"+segment.FileName(0))

	// unchanged chunks are not uploaded again
	commit(t, src, 1)
	n, err = exporter.Export(ctx, src.Descriptor("r1"), src.ChunkDir())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 3, client.chunkPuts())

	dst := openReplica(t, t.TempDir(), "r2")
	s3src := NewS3Source(client, "backups", "tabledb")
	require.NoError(t, Bootstrap(ctx, dst, s3src))
	require.Equal(t, src.Head().Chunks, dst.Head().Chunks)

	desc, err := s3src.Descriptor(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, "s3://backups/tabledb/events/HEAD.json", desc.Source)
}

func TestS3Source_MissingHead(t *testing.T) {
	_, err := NewS3Source(newFakeS3(), "backups", "").Descriptor(context.Background(), "events")
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestS3Exporter_MissingChunkFile(t *testing.T) {
	src := openReplica(t, t.TempDir(), "r1")
	commit(t, src, 2)
	desc := src.Descriptor("r1")
	require.NoError(t, os.Remove(desc.Generation.Chunks[0].Path(src.ChunkDir())))

	client := newFakeS3()
	_, err := NewS3Exporter(client, "backups", "").Export(context.Background(), desc, src.ChunkDir())
	require.Error(t, err)
	require.NotContains(t, client.objects, "backups/events/HEAD.json")
}

func TestNewS3Client_RequiresBucket(t *testing.T) {
	_, err := NewS3Client(context.Background(), S3Config{})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}
