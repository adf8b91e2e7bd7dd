package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tabledb/pkg/artifact"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/generation"
	"tabledb/pkg/metrics"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
	"tabledb/pkg/table"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeChunk       = "application/octet-stream"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxRecordsBody         = 64 << 20
)

type Table interface {
	Name() string
	Replica() string
	Schema() *msg.Schema
	ChunkDir() string
	Head() *generation.Generation
	ArtifactIndex() *artifact.Index
	ArenaSize() uint64
	NextSequence() uint64
	Descriptor(source string) generation.Descriptor

	AddRecords(batch []msg.Object) error
	Commit() (int, error)
	Merge(minMerged, maxMerged uint64) (bool, error)
	GC(keep, max int) (table.GCStats, error)
	RunConsistencyCheck(checkChecksums, repair bool) (*table.CheckReport, error)
	ReadFieldRange(seq uint64, field string) (table.FieldRange, error)
}

// Server is the admin and peer HTTP surface of a tabledb process.
type Server struct {
	tables     map[string]Table
	metrics    *metrics.Registry
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(port string, reg *metrics.Registry, tables ...Table) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	s := &Server{
		tables:            make(map[string]Table, len(tables)),
		metrics:           reg,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: time.Second,
	}
	for _, t := range tables {
		s.tables[t.Name()] = t
	}
	return s
}

func (s *Server) SetReadHeaderTimeout(d time.Duration) {
	if d > 0 {
		s.readHeaderTimeout = d
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler builds the chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/tables", s.handleListTables)
	r.Route("/tables/{table}", func(r chi.Router) {
		r.Get("/generation", s.handleGeneration)
		r.Get("/chunks/{seq}", s.handleChunk)
		r.Get("/chunks/{seq}/ranges/{field}", s.handleFieldRange)

		r.Post("/records", s.handleAppend)
		r.Post("/commit", s.handleCommit)
		r.Post("/merge", s.handleMerge)
		r.Post("/gc", s.handleGC)
		r.Post("/check", s.handleCheck)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, errorStatus(err), NewErrorResponse(err.Error()))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument), errors.Is(err, dberrors.ErrSchemaViolation):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrLocked), errors.Is(err, dberrors.ErrReplicaConflict):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (Table, bool) {
	name := chi.URLParam(r, "table")
	t, ok := s.tables[name]
	if !ok {
		s.writeError(w, fmt.Errorf("%w: table %q", dberrors.ErrNotFound, name))
		return nil, false
	}
	return t, true
}

func uintParam(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", dberrors.ErrInvalidArgument, name, raw)
	}
	return v, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s=%q", dberrors.ErrInvalidArgument, name, raw)
	}
	return v, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", dberrors.ErrInvalidArgument, name, raw)
	}
	return v, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	infos := make([]TableInfo, 0, len(s.tables))
	for _, t := range s.tables {
		head := t.Head()
		infos = append(infos, TableInfo{
			Name:         t.Name(),
			Replica:      t.Replica(),
			Generation:   head.Number,
			Chunks:       len(head.Chunks),
			Records:      head.RecordCount(),
			Bytes:        head.ByteSize(),
			ArenaBytes:   t.ArenaSize(),
			NextSequence: t.NextSequence(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	s.writeJSON(w, http.StatusOK, NewValueResponse(infos))
}

// handleGeneration serves the bare descriptor; peers decode it directly.
func (s *Server) handleGeneration(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, t.Descriptor(t.Name()+"/"+t.Replica()))
}

// chunkRef resolves a chunk that may still be fetched: one in the head,
// or one the index still tracks as not yet deleted.
func chunkRef(t Table, seq uint64) (segment.Ref, bool) {
	if ref, ok := t.Head().Chunk(seq); ok {
		return ref, true
	}
	e, ok := t.ArtifactIndex().Get(seq)
	if !ok || e.Status == artifact.StatusDeleted {
		return segment.Ref{}, false
	}
	return e.Ref, true
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: chunk sequence %q", dberrors.ErrInvalidArgument, chi.URLParam(r, "seq")))
		return
	}
	ref, ok := chunkRef(t, seq)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: chunk %d of %s", dberrors.ErrNotFound, seq, t.Name()))
		return
	}

	f, err := os.Open(ref.Path(t.ChunkDir()))
	if err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("%w: chunk file %s", dberrors.ErrNotFound, ref.Filename)
		}
		s.writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentTypeChunk)
	w.Header().Set("Content-Length", strconv.FormatUint(ref.ByteSize, 10))
	w.Header().Set("X-Chunk-Checksum", strconv.FormatUint(ref.Checksum, 16))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		slog.Warn("Failed to send chunk", "table", t.Name(), "seq", seq, "error", err)
	}
}

func (s *Server) handleFieldRange(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: chunk sequence %q", dberrors.ErrInvalidArgument, chi.URLParam(r, "seq")))
		return
	}
	fr, err := t.ReadFieldRange(seq, chi.URLParam(r, "field"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: no range summary for chunk %d", dberrors.ErrNotFound, seq)
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(fr))
}

// handleAppend accepts a JSON array of records keyed by field name. The
// batch is accepted or rejected as a whole.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	var docs []map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRecordsBody))
	dec.UseNumber()
	if err := dec.Decode(&docs); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to decode records: "+err.Error()))
		return
	}

	batch := make([]msg.Object, 0, len(docs))
	for i, doc := range docs {
		obj, err := msg.FromJSON(t.Schema(), doc)
		if err != nil {
			s.writeError(w, fmt.Errorf("record %d: %w", i, err))
			return
		}
		batch = append(batch, obj)
	}
	if err := t.AddRecords(batch); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(AppendResult{Appended: len(batch)}))
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	n, err := t.Commit()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(CommitResult{Records: n}))
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	minMerged, err := uintParam(r, "min", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	maxMerged, err := uintParam(r, "max", ^uint64(0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	merged, err := t.Merge(minMerged, maxMerged)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(MergeResult{Merged: merged}))
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	keep, err := intParam(r, "keep", table.DefaultKeepGenerations)
	if err != nil {
		s.writeError(w, err)
		return
	}
	maxGens, err := intParam(r, "max", table.DefaultMaxGenerations)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := t.GC(keep, maxGens)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(stats))
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	checksums, err := boolParam(r, "checksums")
	if err != nil {
		s.writeError(w, err)
		return
	}
	repair, err := boolParam(r, "repair")
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := t.RunConsistencyCheck(checksums, repair)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(report))
}
