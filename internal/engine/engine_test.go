package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/config"
)

// fakeInstance emulates one platform instance: an admin GraphQL endpoint
// with the bulk job lifecycle, product mutations, and a payload download
// route serving the instance's records as JSONL.
type fakeInstance struct {
	srv *httptest.Server

	mu      sync.Mutex
	nextID  int
	order   []string
	records map[string]map[string]interface{}
	creates int
	updates int
}

func newFakeInstance(t *testing.T) *fakeInstance {
	t.Helper()
	f := &fakeInstance{records: make(map[string]map[string]interface{})}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeInstance) seed(handle, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(map[string]interface{}{"handle": handle, "title": title})
}

// store inserts a record and returns its ID. Callers hold the mutex.
func (f *fakeInstance) store(fields map[string]interface{}) string {
	f.nextID++
	id := fmt.Sprintf("gid://fake/Product/%d", f.nextID)
	f.records[id] = fields
	f.order = append(f.order, id)
	return id
}

func (f *fakeInstance) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		f.servePayload(w)
		return
	}

	var req struct {
		Query     string                 `json:"query"`
		Variables map[string]interface{} `json:"variables"`
	}
	if err := gojson.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case strings.Contains(req.Query, "bulkOperationRunQuery"):
		f.respond(w, map[string]interface{}{
			"bulkOperationRunQuery": map[string]interface{}{
				"bulkOperation": map[string]interface{}{"id": "gid://fake/Bulk/1", "status": "CREATED"},
				"userErrors":    []interface{}{},
			},
		})

	case strings.Contains(req.Query, "bulkOperationStatus"):
		f.mu.Lock()
		count := len(f.records)
		f.mu.Unlock()
		url := ""
		if count > 0 {
			url = f.srv.URL + "/payload"
		}
		f.respond(w, map[string]interface{}{
			"node": map[string]interface{}{
				"id":          "gid://fake/Bulk/1",
				"status":      "COMPLETED",
				"objectCount": fmt.Sprintf("%d", count),
				"url":         url,
			},
		})

	case strings.Contains(req.Query, "productCreate"):
		input, _ := req.Variables["input"].(map[string]interface{})
		f.mu.Lock()
		f.creates++
		id := f.store(input)
		f.mu.Unlock()
		f.respond(w, map[string]interface{}{
			"productCreate": map[string]interface{}{
				"product":    map[string]interface{}{"id": id},
				"userErrors": []interface{}{},
			},
		})

	case strings.Contains(req.Query, "productUpdate"):
		id, _ := req.Variables["id"].(string)
		input, _ := req.Variables["input"].(map[string]interface{})
		f.mu.Lock()
		if existing, ok := f.records[id]; ok {
			f.updates++
			for k, v := range input {
				existing[k] = v
			}
		}
		f.mu.Unlock()
		f.respond(w, map[string]interface{}{
			"productUpdate": map[string]interface{}{
				"product":    map[string]interface{}{"id": id},
				"userErrors": []interface{}{},
			},
		})

	default:
		http.Error(w, "unknown query", http.StatusBadRequest)
	}
}

func (f *fakeInstance) respond(w http.ResponseWriter, data map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	gojson.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck
}

func (f *fakeInstance) servePayload(w http.ResponseWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := gojson.NewEncoder(w)
	for _, id := range f.order {
		line := make(map[string]interface{}, len(f.records[id])+1)
		for k, v := range f.records[id] {
			line[k] = v
		}
		line["id"] = id
		enc.Encode(line) //nolint:errcheck
	}
}

func testConfig(t *testing.T, source, target *fakeInstance) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Source = config.Endpoint{Endpoint: source.srv.URL, AccessToken: "src-token"}
	cfg.Target = config.Endpoint{Endpoint: target.srv.URL, AccessToken: "tgt-token"}
	cfg.Reliability.MinCallSpacing = 0
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Poll = config.PollConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		GrowthFactor:    1.5,
		Timeout:         5 * time.Second,
	}
	cfg.OutputDir = t.TempDir()
	cfg.Resources = []config.ResourceConfig{{
		Kind:           "products",
		Query:          "{ products { edges { node { id handle title } } } }",
		CreateMutation: "mutation productCreate($input: ProductInput!) { productCreate(input: $input) { product { id } userErrors { message } } }",
		UpdateMutation: "mutation productUpdate($id: ID!, $input: ProductInput!) { productUpdate(id: $id, input: $input) { product { id } userErrors { message } } }",
		KeyField:       "handle",
	}}
	return cfg
}

func TestExtractWritesFile(t *testing.T) {
	source := newFakeInstance(t)
	source.seed("blue-shirt", "Blue Shirt")
	source.seed("red-shirt", "Red Shirt")
	target := newFakeInstance(t)

	eng, err := New(testConfig(t, source, target), zap.NewNop())
	require.NoError(t, err)

	res, ok := eng.Resource("products")
	require.True(t, ok)

	result, err := eng.Extract(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Records)
	assert.Zero(t, result.ParseFailures)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), "blue-shirt")
}

func TestExtractEmptySourceWritesEmptyFile(t *testing.T) {
	source := newFakeInstance(t)
	target := newFakeInstance(t)

	eng, err := New(testConfig(t, source, target), zap.NewNop())
	require.NoError(t, err)

	res, _ := eng.Resource("products")
	result, err := eng.Extract(context.Background(), res)
	require.NoError(t, err)
	assert.Zero(t, result.Records)

	info, err := os.Stat(result.Path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestExtractThenApplyMigratesAndStaysIdempotent(t *testing.T) {
	source := newFakeInstance(t)
	source.seed("blue-shirt", "Blue Shirt")
	source.seed("red-shirt", "Red Shirt")
	source.seed("hat", "Hat")
	target := newFakeInstance(t)

	eng, err := New(testConfig(t, source, target), zap.NewNop())
	require.NoError(t, err)
	res, _ := eng.Resource("products")
	ctx := context.Background()

	_, err = eng.Extract(ctx, res)
	require.NoError(t, err)

	stats, err := eng.Apply(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Created)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 3, target.creates)

	// Same file against the migrated target: every record skips.
	stats, err = eng.Apply(ctx, res)
	require.NoError(t, err)
	assert.Zero(t, stats.Created)
	assert.Zero(t, stats.Updated)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, 3, target.creates, "re-apply must not create again")
	assert.Zero(t, target.updates)
}

func TestApplyUpdatesChangedRecords(t *testing.T) {
	source := newFakeInstance(t)
	source.seed("blue-shirt", "Blue Shirt")
	source.seed("red-shirt", "Red Shirt")
	target := newFakeInstance(t)

	eng, err := New(testConfig(t, source, target), zap.NewNop())
	require.NoError(t, err)
	res, _ := eng.Resource("products")
	ctx := context.Background()

	_, err = eng.Extract(ctx, res)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, res)
	require.NoError(t, err)

	// One source record changes; the next extract-and-apply cycle must
	// write exactly that record.
	source.mu.Lock()
	source.records[source.order[0]]["title"] = "Blue Shirt v2"
	source.mu.Unlock()

	_, err = eng.Extract(ctx, res)
	require.NoError(t, err)
	stats, err := eng.Apply(ctx, res)
	require.NoError(t, err)

	assert.Zero(t, stats.Created)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, target.updates)
}

func TestApplyRequiresRegisteredKind(t *testing.T) {
	source := newFakeInstance(t)
	target := newFakeInstance(t)

	eng, err := New(testConfig(t, source, target), zap.NewNop())
	require.NoError(t, err)

	_, err = eng.Apply(context.Background(), config.ResourceConfig{Kind: "orders"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapter registered")
}

func TestSyncRunsAllResources(t *testing.T) {
	source := newFakeInstance(t)
	source.seed("blue-shirt", "Blue Shirt")
	source.seed("hat", "Hat")
	target := newFakeInstance(t)

	eng, err := New(testConfig(t, source, target), zap.NewNop())
	require.NoError(t, err)

	results, err := eng.Sync(context.Background())
	require.NoError(t, err)

	require.Contains(t, results, "products")
	assert.Equal(t, 2, results["products"].Created)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.New()
	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}
