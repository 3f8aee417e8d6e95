package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/jsonldb"
	"github.com/maruel/datarest/internal/rest"
	"github.com/maruel/datarest/internal/server/ratelimit"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeSyncer struct {
	mu        sync.Mutex
	triggered []string
	committed []string
}

func (f *fakeSyncer) Trigger(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, id)
}

func (f *fakeSyncer) CommitLine(ctx context.Context, ds *dataset.Dataset, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, id)
	return nil
}

type testServer struct {
	srv  *httptest.Server
	sync *fakeSyncer
	user string
}

func newTestServer(t *testing.T, mod func(cfg *Config)) *testServer {
	t.Helper()
	dir := t.TempDir()
	db, err := jsonldb.Open(dir + "/db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	svc := dataset.NewService(db)
	engine := rest.NewEngine(db, svc, rest.Options{MaxBulkOps: 2, AttachmentsDir: dir + "/attachments"})
	cfg := &Config{
		Version:             "test",
		JWTSecret:           testSecret,
		MaxRequestBodyBytes: 1 << 20,
		MaxBulkBodyBytes:    1 << 20,
	}
	if mod != nil {
		mod(cfg)
	}
	s := &testServer{sync: &fakeSyncer{}}
	s.srv = httptest.NewServer(NewRouter(svc, engine, s.sync, cfg))
	t.Cleanup(s.srv.Close)
	s.user, err = NewToken(testSecret, &dataset.Actor{ID: "u1", Name: "User 1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// do sends a request as the test user. hdr holds header name and value
// pairs, an empty value removes the header.
func (s *testServer) do(t *testing.T, method, path, contentType, body string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+s.user)
	for i := 0; i+1 < len(hdr); i += 2 {
		if hdr[i+1] == "" {
			req.Header.Del(hdr[i])
		} else {
			req.Header.Set(hdr[i], hdr[i+1])
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, b)
	}
}

const testDataset = `{"id":"ds1","schema":[{"key":"id","type":"string"},{"key":"name","type":"string"},{"key":"n","type":"integer"}],"primaryKey":["id"],"rest":{"history":true}}`

func (s *testServer) createDataset(t *testing.T) {
	t.Helper()
	expectStatus(t, s.do(t, "POST", "/api/v1/datasets", "application/json", testDataset), http.StatusCreated)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.do(t, "GET", "/api/v1/health", "", "", "Authorization", "")
	expectStatus(t, resp, http.StatusOK)
	got := decode[map[string]string](t, resp)
	if diff := cmp.Diff(map[string]string{"status": "ok", "version": "test"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemas(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.do(t, "GET", "/api/v1/schemas/summary", "", "")
	expectStatus(t, resp, http.StatusOK)
	got := decode[map[string]any](t, resp)
	props, _ := got["properties"].(map[string]any)
	if _, ok := props["nbOk"]; !ok {
		t.Errorf("summary schema lacks nbOk: %v", got)
	}
	expectStatus(t, s.do(t, "GET", "/api/v1/schemas/nope", "", ""), http.StatusNotFound)
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, nil)
	expectStatus(t, s.do(t, "POST", "/api/v1/datasets", "application/json", testDataset, "Authorization", ""), http.StatusUnauthorized)
	expectStatus(t, s.do(t, "GET", "/api/v1/health", "", "", "Authorization", "Bearer garbage"), http.StatusUnauthorized)
	other, err := NewToken([]byte("another secret of at least 32 bytes"), &dataset.Actor{ID: "u1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, s.do(t, "GET", "/api/v1/health", "", "", "Authorization", "Bearer "+other), http.StatusUnauthorized)

	s.createDataset(t)
	// Anonymous reads are allowed.
	expectStatus(t, s.do(t, "GET", "/api/v1/datasets/ds1", "", "", "Authorization", ""), http.StatusOK)
}

func TestDatasets(t *testing.T) {
	s := newTestServer(t, nil)
	s.createDataset(t)
	expectStatus(t, s.do(t, "POST", "/api/v1/datasets", "application/json", testDataset), http.StatusConflict)
	expectStatus(t, s.do(t, "POST", "/api/v1/datasets", "application/json", `{"id":"x","bogus":1}`), http.StatusBadRequest)

	resp := s.do(t, "GET", "/api/v1/datasets/ds1", "", "")
	expectStatus(t, resp, http.StatusOK)
	ds := decode[dataset.Dataset](t, resp)
	if ds.Status != dataset.StatusCreated || !ds.Rest.History {
		t.Errorf("got %+v", ds)
	}

	resp = s.do(t, "PATCH", "/api/v1/datasets/ds1/rest", "application/json", `{"history":false,"storeUpdatedBy":true}`)
	expectStatus(t, resp, http.StatusOK)
	ds = decode[dataset.Dataset](t, resp)
	if ds.Rest.History || !ds.Rest.StoreUpdatedBy {
		t.Errorf("rest options not updated: %+v", ds.Rest)
	}
	expectStatus(t, s.do(t, "PATCH", "/api/v1/datasets/ds1/rest", "application/json", `{"primaryKeyMode":"base64"}`), http.StatusBadRequest)

	expectStatus(t, s.do(t, "DELETE", "/api/v1/datasets/ds1", "", ""), http.StatusNoContent)
	resp = s.do(t, "GET", "/api/v1/datasets/ds1", "", "")
	expectStatus(t, resp, http.StatusNotFound)
	got := decode[map[string]map[string]any](t, resp)
	if got["error"]["code"] != "DATASET_NOT_FOUND" {
		t.Errorf("got %v", got)
	}
}

func TestLines(t *testing.T) {
	s := newTestServer(t, nil)
	s.createDataset(t)

	resp := s.do(t, "POST", "/api/v1/datasets/ds1/lines", "application/json", `{"id":"a","name":"A","n":1}`)
	expectStatus(t, resp, http.StatusCreated)
	line := decode[map[string]any](t, resp)
	lineID, _ := line["_id"].(string)
	if lineID == "" || line["name"] != "A" {
		t.Fatalf("got %v", line)
	}
	if _, ok := line["_hash"]; ok {
		t.Errorf("private fields leaked: %v", line)
	}
	path := "/api/v1/datasets/ds1/lines/" + lineID

	resp = s.do(t, "GET", path, "", "")
	expectStatus(t, resp, http.StatusOK)
	lastModified := resp.Header.Get("Last-Modified")
	if lastModified == "" {
		t.Fatal("missing Last-Modified")
	}
	expectStatus(t, s.do(t, "GET", path, "", "", "If-Modified-Since", lastModified), http.StatusNotModified)

	// Same content.
	expectStatus(t, s.do(t, "PUT", path, "application/json", `{"id":"a","name":"A","n":1}`), http.StatusNotModified)

	resp = s.do(t, "PATCH", path, "application/json", `{"name":"B"}`)
	expectStatus(t, resp, http.StatusOK)
	if line = decode[map[string]any](t, resp); line["name"] != "B" || line["n"] != 1.0 {
		t.Errorf("patch got %v", line)
	}

	resp = s.do(t, "PUT", path, "application/x-www-form-urlencoded", url.Values{"id": {"a"}, "name": {"C"}, "n": {"3"}}.Encode())
	expectStatus(t, resp, http.StatusOK)
	if line = decode[map[string]any](t, resp); line["n"] != 3.0 {
		t.Errorf("form put got %v", line)
	}

	expectStatus(t, s.do(t, "POST", "/api/v1/datasets/ds1/lines", "application/json", `{"n":"x"}`), http.StatusBadRequest)
	expectStatus(t, s.do(t, "POST", "/api/v1/datasets/ds1/lines", "application/json", `[1]`), http.StatusBadRequest)

	expectStatus(t, s.do(t, "DELETE", path, "", ""), http.StatusNoContent)
	expectStatus(t, s.do(t, "GET", path, "", ""), http.StatusNotFound)
	expectStatus(t, s.do(t, "PATCH", path, "application/json", `{"name":"D"}`), http.StatusNotFound)

	s.sync.mu.Lock()
	defer s.sync.mu.Unlock()
	if len(s.sync.committed) != 4 || !slices.Contains(s.sync.triggered, "ds1") {
		t.Errorf("committed %v triggered %v", s.sync.committed, s.sync.triggered)
	}
}

func TestRevisions(t *testing.T) {
	s := newTestServer(t, nil)
	s.createDataset(t)
	for _, name := range []string{"A", "B", "C"} {
		resp := s.do(t, "PUT", "/api/v1/datasets/ds1/lines/l1", "application/json", `{"name":"`+name+`"}`)
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			t.Fatalf("put %s: %d", name, resp.StatusCode)
		}
	}
	resp := s.do(t, "GET", "/api/v1/datasets/ds1/lines/l1/revisions?size=2", "", "")
	expectStatus(t, resp, http.StatusOK)
	link := resp.Header.Get("Link")
	page := decode[rest.RevisionPage](t, resp)
	if page.Total != 3 || len(page.Results) != 2 || page.Results[0]["name"] != "C" {
		t.Fatalf("got %+v", page)
	}
	if !strings.HasSuffix(link, `>; rel="next"`) || !strings.Contains(link, "before=") {
		t.Fatalf("Link = %q", link)
	}
	resp = s.do(t, "GET", page.Next, "", "")
	expectStatus(t, resp, http.StatusOK)
	next := decode[rest.RevisionPage](t, resp)
	if len(next.Results) != 1 || next.Results[0]["name"] != "A" || resp.Header.Get("Link") != "" {
		t.Errorf("second page %+v", next)
	}
	expectStatus(t, s.do(t, "GET", "/api/v1/datasets/ds1/revisions?size=x", "", ""), http.StatusBadRequest)
}

func TestBulkLines(t *testing.T) {
	s := newTestServer(t, nil)
	s.createDataset(t)

	body := `{"_id":"a","name":"A"}` + "\n" + `{"_id":"b","n":"bad"}` + "\n" + `{"_id":"c","name":"C"}` + "\n"
	resp := s.do(t, "POST", "/api/v1/datasets/ds1/_bulk_lines", "application/x-ndjson", body)
	expectStatus(t, resp, http.StatusOK)
	sum := decode[rest.Summary](t, resp)
	if sum.NbOk != 2 || sum.NbCreated != 2 || sum.NbErrors != 1 || len(sum.Errors) != 1 || sum.Errors[0].Line != 1 {
		t.Errorf("ndjson summary %+v", sum)
	}
	expectStatus(t, s.do(t, "GET", "/api/v1/datasets/ds1/lines/a", "", ""), http.StatusOK)

	resp = s.do(t, "POST", "/api/v1/datasets/ds1/_bulk_lines?drop=true", "application/json", `[{"id":"x","name":"X"}]`)
	expectStatus(t, resp, http.StatusOK)
	if sum = decode[rest.Summary](t, resp); sum.NbOk != 1 || !sum.Dropped {
		t.Errorf("drop summary %+v", sum)
	}
	expectStatus(t, s.do(t, "GET", "/api/v1/datasets/ds1/lines/a", "", ""), http.StatusNotFound)

	// The first batch only holds errors.
	resp = s.do(t, "POST", "/api/v1/datasets/ds1/_bulk_lines", "application/x-ndjson", `{"n":"bad"}`+"\n"+`{"n":"worse"}`+"\n")
	expectStatus(t, resp, http.StatusBadRequest)
	if sum = decode[rest.Summary](t, resp); sum.NbErrors != 2 {
		t.Errorf("error summary %+v", sum)
	}

	s.sync.mu.Lock()
	defer s.sync.mu.Unlock()
	if len(s.sync.triggered) < 2 {
		t.Errorf("triggered %v", s.sync.triggered)
	}
}

func TestBulkLinesInvalidBody(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxBulkBodyBytes = 64 })
	s.createDataset(t)
	resp := s.do(t, "POST", "/api/v1/datasets/ds1/_bulk_lines", "application/json", `{"id":"a"}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp = s.do(t, "POST", "/api/v1/datasets/ds1/_bulk_lines", "application/x-ndjson", strings.Repeat(`{"name":"aaaaaaaaaa"}`+"\n", 10))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusOK {
		if sum := decode[rest.Summary](t, resp); sum.NbErrors == 0 || sum.Errors[len(sum.Errors)-1].Line != -1 {
			t.Errorf("summary %+v", sum)
		}
	}
	expectStatus(t, s.do(t, "POST", "/api/v1/datasets/nope/_bulk_lines", "application/x-ndjson", ""), http.StatusNotFound)
}

func TestBodyLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxRequestBodyBytes = 16 })
	resp := s.do(t, "POST", "/api/v1/datasets", "application/json", testDataset)
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)
}

func TestRateLimit(t *testing.T) {
	limits := ratelimit.NewConfig(1, 0)
	t.Cleanup(limits.Close)
	s := newTestServer(t, func(cfg *Config) { cfg.RateLimits = limits })
	resp := s.do(t, "POST", "/api/v1/datasets", "application/json", testDataset)
	expectStatus(t, resp, http.StatusCreated)
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		t.Error("missing X-RateLimit-Limit")
	}
	resp = s.do(t, "DELETE", "/api/v1/datasets/ds1", "", "")
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	// Reads are not limited.
	expectStatus(t, s.do(t, "GET", "/api/v1/datasets/ds1", "", ""), http.StatusOK)
}
