package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchworks/conveyor/pkg/blob"
	"github.com/hatchworks/conveyor/pkg/embedding"
	"github.com/hatchworks/conveyor/pkg/extract"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/types"
	"github.com/hatchworks/conveyor/pkg/vectorstore"
)

type fixedEmbedder struct{ calls int }

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, provider.Usage, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.5}
	}
	return out, provider.Usage{TotalTokens: 10}, nil
}

// fetchedObjects maps object keys to content for the stub fetcher
type stubFetcher struct {
	objects map[string][]byte
}

func (s *stubFetcher) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, "", assert.AnError
	}
	return data, "text/plain", nil
}

func newTestEmbeddingProcessor(t *testing.T, fetcher *stubFetcher) (*Embedding, *int) {
	t.Helper()
	upserts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/exists") {
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"exists": true}})
			return
		}
		if strings.HasSuffix(r.URL.Path, "/points") {
			upserts++
		}
		json.NewEncoder(w).Encode(map[string]any{"result": true})
	}))
	t.Cleanup(srv.Close)

	pipeline := embedding.New(extract.NewRegistry(), &fixedEmbedder{}, vectorstore.NewClientForURL(srv.URL))
	var f blob.Fetcher
	if fetcher != nil {
		f = fetcher
	}
	return NewEmbedding(pipeline, newTestCosts(t, 0), f, nil), &upserts
}

func TestEmbeddingInlineContent(t *testing.T) {
	p, upserts := newTestEmbeddingProcessor(t, nil)

	data, _ := json.Marshal(embedPayload{
		Filename:    "note.txt",
		ContentType: "text/plain",
		Content:     base64.StdEncoding.EncodeToString([]byte("some document text")),
	})
	job := &types.Job{ID: "j1", Owner: "alice@example.com", Source: types.SourceSharepoint, Data: data}

	out, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, *upserts)

	var result embedding.Result
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, 1, result.Points)
}

func TestEmbeddingObjectStoreContent(t *testing.T) {
	fetcher := &stubFetcher{objects: map[string][]byte{
		"docs/report.txt": []byte("fetched report body"),
	}}
	p, upserts := newTestEmbeddingProcessor(t, fetcher)

	data, _ := json.Marshal(embedPayload{ObjectKey: "docs/report.txt"})
	job := &types.Job{ID: "j1", Owner: "alice@example.com", Source: types.SourceAWSS3, Data: data}

	_, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, *upserts)
}

func TestEmbeddingMissingObjectStore(t *testing.T) {
	p, _ := newTestEmbeddingProcessor(t, nil)

	data, _ := json.Marshal(embedPayload{ObjectKey: "docs/report.txt"})
	job := &types.Job{ID: "j1", Owner: "alice@example.com", Data: data}

	_, err := p.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no object store")
}

func TestEmbeddingEmailPayload(t *testing.T) {
	p, upserts := newTestEmbeddingProcessor(t, nil)

	data, _ := json.Marshal(embedPayload{Email: &types.Email{
		MessageID: "m1",
		Subject:   "hi",
		From:      types.EmailAddress{Email: "bob@example.com"},
		To:        []types.EmailAddress{{Email: "alice@example.com"}},
		BodyText:  "body text here",
	}})
	job := &types.Job{ID: "j1", Owner: "alice@example.com", Source: types.SourceEmail, Data: data}

	_, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, *upserts)
}

func TestEmbeddingEmptyPayloadRejected(t *testing.T) {
	p, _ := newTestEmbeddingProcessor(t, nil)

	data, _ := json.Marshal(embedPayload{})
	_, err := p.Process(context.Background(), &types.Job{ID: "j1", Data: data})
	assert.Error(t, err)
}
