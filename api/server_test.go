package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	asub "github.com/aparcar/asu-builder"
	"github.com/aparcar/asu-builder/database"
	"github.com/aparcar/asu-builder/metrics"
	"github.com/aparcar/asu-builder/resolver"
)

type testServer struct {
	db     *database.DB
	router *gin.Engine
}

func newTestServer(t *testing.T, maxPending int) *testServer {
	t.Helper()

	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rules, err := resolver.DefaultRules()
	if err != nil {
		t.Fatalf("DefaultRules: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := New(db, rules, asub.Limits{AllowDefaults: true, MaxDefaultsLength: 4096}, maxPending, t.TempDir(), metrics.New(nil), log)
	return &testServer{db: db, router: s.Router()}
}

func (ts *testServer) post(t *testing.T, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func basicRequest(pkg string) map[string]any {
	return map[string]any{
		"version":  "23.05.0",
		"target":   "ath79/generic",
		"profile":  "tplink_archer-c7-v5",
		"packages": []string{pkg},
	}
}

// TestSubmit_ColdBuild checks a fresh submission is accepted at position 1.
func TestSubmit_ColdBuild(t *testing.T) {
	ts := newTestServer(t, 10)

	w := ts.post(t, "/api/v1/build", basicRequest("luci"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["status"] != "pending" {
		t.Errorf("status = %v", body["status"])
	}
	if body["queue_position"] != float64(1) {
		t.Errorf("queue_position = %v", body["queue_position"])
	}
	if body["request_hash"] == "" {
		t.Error("request_hash missing")
	}
}

// TestSubmit_Validation checks a malformed request is rejected with a field
// message and writes nothing.
func TestSubmit_Validation(t *testing.T) {
	ts := newTestServer(t, 10)

	req := basicRequest("luci")
	req["target"] = "no-slash"
	w := ts.post(t, "/api/v1/build", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["error"] == "" {
		t.Error("error message missing")
	}

	if n, err := ts.db.QueueLength(context.Background()); err != nil || n != 0 {
		t.Errorf("queue length = %d, err = %v", n, err)
	}
}

// TestSubmit_InFlightDuplicate checks resubmitting an in-flight fingerprint
// subscribes to the existing job instead of creating another.
func TestSubmit_InFlightDuplicate(t *testing.T) {
	ts := newTestServer(t, 10)

	first := ts.post(t, "/api/v1/build", basicRequest("luci"))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}

	second := ts.post(t, "/api/v1/build", basicRequest("luci"))
	if second.Code != http.StatusAccepted {
		t.Fatalf("second status = %d", second.Code)
	}
	if decode(t, first)["request_hash"] != decode(t, second)["request_hash"] {
		t.Error("duplicate submission got a different fingerprint")
	}

	if n, _ := ts.db.QueueLength(context.Background()); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

// TestSubmit_CacheHit checks a fingerprint with a stored result is served
// directly and no job is created.
func TestSubmit_CacheHit(t *testing.T) {
	ts := newTestServer(t, 10)
	ctx := context.Background()

	req := &asub.BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "tplink_archer-c7-v5",
		Packages: []string{"luci"},
	}
	if err := req.Canonicalize(asub.Limits{}); err != nil {
		t.Fatal(err)
	}
	if err := ts.db.PutResult(ctx, &asub.BuildResult{
		RequestHash:          req.RequestHash,
		Images:               []string{"ath79/generic/openwrt-sysupgrade.bin"},
		Manifest:             "luci - git-24.086\n",
		BuildAt:              time.Now().UTC(),
		BuildDurationSeconds: 42,
	}); err != nil {
		t.Fatal(err)
	}

	w := ts.post(t, "/api/v1/build", basicRequest("luci"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["cache_hit"] != true {
		t.Errorf("cache_hit = %v", body["cache_hit"])
	}
	if body["request_hash"] != req.RequestHash {
		t.Errorf("request_hash = %v", body["request_hash"])
	}
	if imgs := body["images"].([]any); len(imgs) != 1 {
		t.Errorf("images = %v", imgs)
	}
	if n, _ := ts.db.QueueLength(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

// TestSubmit_QueueOverflow checks the third distinct fingerprint bounces off
// a two-slot queue with no job record written.
func TestSubmit_QueueOverflow(t *testing.T) {
	ts := newTestServer(t, 2)

	for i, pkg := range []string{"luci", "vim"} {
		if w := ts.post(t, "/api/v1/build", basicRequest(pkg)); w.Code != http.StatusAccepted {
			t.Fatalf("submission %d status = %d", i, w.Code)
		}
	}

	w := ts.post(t, "/api/v1/build", basicRequest("tmux"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	rejected := &asub.BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "tplink_archer-c7-v5",
		Packages: []string{"tmux"},
	}
	if err := rejected.Canonicalize(asub.Limits{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.db.GetJob(context.Background(), rejected.RequestHash); err != database.ErrNotFound {
		t.Errorf("rejected fingerprint has a job record (err = %v)", err)
	}
}

// TestStatus_UnknownAndFailed covers the 404 and 500 poll envelopes.
func TestStatus_UnknownAndFailed(t *testing.T) {
	ts := newTestServer(t, 10)
	ctx := context.Background()

	if w := ts.get(t, "/api/v1/build/"+fmt.Sprintf("%064d", 0)); w.Code != http.StatusNotFound {
		t.Errorf("unknown poll status = %d, want 404", w.Code)
	}

	w := ts.post(t, "/api/v1/build", basicRequest("luci"))
	hash := decode(t, w)["request_hash"].(string)
	if _, err := ts.db.ClaimPending(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	if err := ts.db.Fail(ctx, hash, "build: exit code 1: make error"); err != nil {
		t.Fatal(err)
	}

	poll := ts.get(t, "/api/v1/build/"+hash)
	if poll.Code != http.StatusInternalServerError {
		t.Fatalf("failed poll status = %d, want 500", poll.Code)
	}
	body := decode(t, poll)
	if body["status"] != "failed" {
		t.Errorf("status = %v", body["status"])
	}
	if body["error_message"] != "build: exit code 1: make error" {
		t.Errorf("error_message = %v", body["error_message"])
	}
}

// TestStatus_Building checks an in-flight poll reports the building state
// with its start time.
func TestStatus_Building(t *testing.T) {
	ts := newTestServer(t, 10)
	ctx := context.Background()

	w := ts.post(t, "/api/v1/build", basicRequest("luci"))
	hash := decode(t, w)["request_hash"].(string)
	if _, err := ts.db.ClaimPending(ctx, "w"); err != nil {
		t.Fatal(err)
	}

	poll := ts.get(t, "/api/v1/build/" + hash)
	if poll.Code != http.StatusAccepted {
		t.Fatalf("status = %d", poll.Code)
	}
	body := decode(t, poll)
	if body["status"] != "building" {
		t.Errorf("status = %v", body["status"])
	}
	if body["started_at"] == nil {
		t.Error("started_at missing")
	}
}

// TestPrepare_Migration checks the pure resolver endpoint reports the
// auc to owut migration and enqueues nothing.
func TestPrepare_Migration(t *testing.T) {
	ts := newTestServer(t, 10)

	w := ts.post(t, "/api/v1/build/prepare", map[string]any{
		"version":  "24.10.0",
		"target":   "ath79/generic",
		"profile":  "tplink_archer-c7-v5",
		"packages": []string{"luci", "auc"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["status"] != "prepared" {
		t.Errorf("status = %v", body["status"])
	}

	resolved := body["resolved_packages"].([]any)
	want := map[string]bool{"luci": true, "owut": true}
	if len(resolved) != 2 || !want[resolved[0].(string)] || !want[resolved[1].(string)] {
		t.Errorf("resolved_packages = %v", resolved)
	}

	changes := body["changes"].([]any)
	var found bool
	for _, raw := range changes {
		ch := raw.(map[string]any)
		if ch["type"] == "migration" && ch["action"] == "replace" &&
			ch["from_package"] == "auc" && ch["to_package"] == "owut" && ch["automatic"] == true {
			found = true
		}
	}
	if !found {
		t.Errorf("migration change missing in %v", changes)
	}

	prepared := body["prepared_request"].(map[string]any)
	if prepared["skip_package_resolution"] != true {
		t.Errorf("prepared_request = %v", prepared)
	}

	if n, _ := ts.db.QueueLength(context.Background()); n != 0 {
		t.Errorf("prepare enqueued a job, queue length = %d", n)
	}
}

// TestStats reports queue length and event counters.
func TestStats(t *testing.T) {
	ts := newTestServer(t, 10)

	ts.post(t, "/api/v1/build", basicRequest("luci"))
	w := ts.get(t, "/api/v1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["queue_length"] != float64(1) {
		t.Errorf("queue_length = %v", body["queue_length"])
	}
	events := body["events"].(map[string]any)
	if events["request"] != float64(1) {
		t.Errorf("request counter = %v", events["request"])
	}
}

// TestHealth checks the liveness endpoint.
func TestHealth(t *testing.T) {
	ts := newTestServer(t, 10)
	w := ts.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
