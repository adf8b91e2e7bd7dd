package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"tabledb/pkg/generation"
	"tabledb/pkg/segment"
)

// HTTPSource pulls from a peer serving the tabledb admin API.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *HTTPSource) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET do: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s failed: %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func (s *HTTPSource) Descriptor(ctx context.Context, tableName string) (generation.Descriptor, error) {
	resp, err := s.get(ctx, "/tables/"+url.PathEscape(tableName)+"/generation")
	if err != nil {
		return generation.Descriptor{}, err
	}
	defer resp.Body.Close()

	var desc generation.Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return generation.Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if desc.Source == "" {
		desc.Source = s.baseURL
	}
	return desc, nil
}

func (s *HTTPSource) FetchChunk(ctx context.Context, tableName string, ref segment.Ref) (io.ReadCloser, error) {
	path := "/tables/" + url.PathEscape(tableName) + "/chunks/" + strconv.FormatUint(ref.SequenceID, 10)
	resp, err := s.get(ctx, path)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
