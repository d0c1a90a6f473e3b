package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	asub "github.com/aparcar/asu-builder"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	db, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRequest(t *testing.T, pkgs ...string) *asub.BuildRequest {
	t.Helper()
	req := &asub.BuildRequest{
		Version:  "23.05.0",
		Target:   "ath79/generic",
		Profile:  "tplink_archer-c7-v5",
		Packages: pkgs,
	}
	if err := req.Canonicalize(asub.Limits{AllowDefaults: true}); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	return req
}

// TestPutRequest_Idempotent verifies that storing the same canonical request
// twice is a no-op rather than an error.
func TestPutRequest_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	req := testRequest(t, "luci")

	if err := db.PutRequest(ctx, req); err != nil {
		t.Fatalf("first PutRequest: %v", err)
	}
	if err := db.PutRequest(ctx, req); err != nil {
		t.Fatalf("second PutRequest: %v", err)
	}

	got, err := db.GetRequest(ctx, req.RequestHash)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Version != req.Version || got.Target != req.Target || got.Profile != req.Profile {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if len(got.Packages) != 1 || got.Packages[0] != "luci" {
		t.Errorf("packages round-trip = %v", got.Packages)
	}
}

// TestEnqueue_Outcomes walks the three admission outcomes: new job, in-flight
// dedup, and already-built short circuit.
func TestEnqueue_Outcomes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	req := testRequest(t, "luci")

	if err := db.PutRequest(ctx, req); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}

	outcome, err := db.Enqueue(ctx, req.RequestHash)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("first enqueue outcome = %s, want new", outcome)
	}

	outcome, err = db.Enqueue(ctx, req.RequestHash)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if outcome != OutcomeAlreadyInFlight {
		t.Fatalf("second enqueue outcome = %s, want already-in-flight", outcome)
	}

	// Finish the job and store a result; the next enqueue sees the cache.
	if _, err := db.ClaimPending(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if err := db.Complete(ctx, req.RequestHash, "make image"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := db.PutResult(ctx, &asub.BuildResult{
		RequestHash: req.RequestHash,
		Images:      []string{"openwrt-sysupgrade.bin"},
	}); err != nil {
		t.Fatalf("PutResult: %v", err)
	}

	outcome, err = db.Enqueue(ctx, req.RequestHash)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if outcome != OutcomeAlreadyBuilt {
		t.Fatalf("post-result enqueue outcome = %s, want already-built", outcome)
	}
}

// TestClaimPending_Serializable spins up concurrent claimers against a small
// backlog and checks no job is ever handed to two workers.
func TestClaimPending_Serializable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	const jobs = 8
	for i := 0; i < jobs; i++ {
		req := testRequest(t, "luci", "pkg-"+string(rune('a'+i)))
		if err := db.PutRequest(ctx, req); err != nil {
			t.Fatalf("PutRequest: %v", err)
		}
		if _, err := db.Enqueue(ctx, req.RequestHash); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		worker := string(rune('A' + w))
		go func() {
			defer wg.Done()
			for {
				job, err := db.ClaimPending(ctx, worker)
				if err != nil {
					t.Errorf("ClaimPending(%s): %v", worker, err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %d claimed by both %s and %s", job.ID, prev, worker)
				}
				claimed[job.ID] = worker
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d jobs, want %d", len(claimed), jobs)
	}
	n, err := db.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength: %v", err)
	}
	if n != 0 {
		t.Errorf("queue length after drain = %d, want 0", n)
	}
}

// TestQueuePosition_CountsEarlierAdmissions verifies the 1-based FIFO
// position and that it shrinks as earlier jobs are claimed.
func TestQueuePosition_CountsEarlierAdmissions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var hashes []string
	for _, pkg := range []string{"one", "two", "three"} {
		req := testRequest(t, pkg)
		if err := db.PutRequest(ctx, req); err != nil {
			t.Fatalf("PutRequest: %v", err)
		}
		if _, err := db.Enqueue(ctx, req.RequestHash); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		hashes = append(hashes, req.RequestHash)
	}

	for i, h := range hashes {
		pos, err := db.QueuePosition(ctx, h)
		if err != nil {
			t.Fatalf("QueuePosition: %v", err)
		}
		if pos != i+1 {
			t.Errorf("position of job %d = %d, want %d", i, pos, i+1)
		}
	}

	// Claiming the head moves everyone up.
	if _, err := db.ClaimPending(ctx, "w"); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	pos, err := db.QueuePosition(ctx, hashes[2])
	if err != nil {
		t.Fatalf("QueuePosition: %v", err)
	}
	if pos != 2 {
		t.Errorf("position after claim = %d, want 2", pos)
	}
}

// TestFail_RecordsMessageAndTerminalState checks the failed transition and
// that GetJob surfaces the stored error.
func TestFail_RecordsMessageAndTerminalState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	req := testRequest(t, "luci")

	if err := db.PutRequest(ctx, req); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}
	if _, err := db.Enqueue(ctx, req.RequestHash); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := db.ClaimPending(ctx, "w"); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if err := db.Fail(ctx, req.RequestHash, "build: timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	job, err := db.GetJob(ctx, req.RequestHash)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != asub.StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage != "build: timeout" {
		t.Errorf("error message = %q", job.ErrorMessage)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at not stamped")
	}

	// A second fail has no in-flight job to transition.
	if err := db.Fail(ctx, req.RequestHash, "again"); err == nil {
		t.Error("expected error failing a terminal job")
	}
}

// TestPutResult_SingleWriter verifies result immutability.
func TestPutResult_SingleWriter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	req := testRequest(t, "luci")

	if err := db.PutRequest(ctx, req); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}
	result := &asub.BuildResult{
		RequestHash: req.RequestHash,
		Images:      []string{"a.bin"},
		Manifest:    "luci - git-1\n",
	}
	if err := db.PutResult(ctx, result); err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	if err := db.PutResult(ctx, result); err == nil {
		t.Fatal("second PutResult should fail")
	}

	got, err := db.GetResult(ctx, req.RequestHash)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if len(got.Images) != 1 || got.Images[0] != "a.bin" {
		t.Errorf("images = %v", got.Images)
	}

	if err := db.Expire(ctx, req.RequestHash); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if _, err := db.GetResult(ctx, req.RequestHash); err != ErrNotFound {
		t.Errorf("after expire: err = %v, want ErrNotFound", err)
	}
}

// TestMetadataCache_Expiry verifies put/get round-trip, TTL expiry, and
// pruning.
func TestMetadataCache_Expiry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CachePut(ctx, "probe:23.05.0:ath79/generic", []byte(`["luci"]`), time.Hour); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	val, ok, err := db.CacheGet(ctx, "probe:23.05.0:ath79/generic")
	if err != nil || !ok {
		t.Fatalf("CacheGet: ok=%v err=%v", ok, err)
	}
	if string(val) != `["luci"]` {
		t.Errorf("value = %s", val)
	}

	// Entry already past its TTL must read as absent and prune away.
	if err := db.CachePut(ctx, "stale", []byte("x"), -time.Minute); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	if _, ok, _ := db.CacheGet(ctx, "stale"); ok {
		t.Error("expired entry served")
	}
	pruned, err := db.CachePrune(ctx)
	if err != nil {
		t.Fatalf("CachePrune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}

// TestStats_Counters records a few events and checks the aggregates.
func TestStats_Counters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	req := testRequest(t, "luci")

	for _, ev := range []string{EventRequest, EventRequest, EventCacheHit} {
		if err := db.RecordEvent(ctx, ev, req, 0); err != nil {
			t.Fatalf("RecordEvent(%s): %v", ev, err)
		}
	}
	if err := db.RecordEvent(ctx, EventBuildCompleted, req, 90*time.Second); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	counters, err := db.Counters(ctx)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters[EventRequest] != 2 || counters[EventCacheHit] != 1 || counters[EventBuildCompleted] != 1 {
		t.Errorf("counters = %v", counters)
	}

	avg, err := db.AverageBuildDuration(ctx)
	if err != nil {
		t.Fatalf("AverageBuildDuration: %v", err)
	}
	if avg != 90*time.Second {
		t.Errorf("average duration = %s, want 90s", avg)
	}
}
