// Package integration exercises a shard and the CDC coordinator as separate
// processes talking real HTTP/websocket, the way the teacher's own
// integration suite drove a coordinator and storage nodes end to end.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// moduleRoot returns the repository root, computed from this file's own
// location so the coordinator/shard binaries build and run regardless of
// the test binary's working directory.
func moduleRoot() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..")
}

// TestSystem runs a CDC coordinator and a single shard as child processes
// and exposes small helpers for driving their HTTP surfaces.
type TestSystem struct {
	t          *testing.T
	coord      *exec.Cmd
	shard      *exec.Cmd
	coordAddr  string
	shardAddr  string
	namespace  string
	httpClient *http.Client
}

// NewTestSystem creates a test system bound to high, collision-avoiding
// ports.
func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:          t,
		coordAddr:  "http://127.0.0.1:18080",
		shardAddr:  "http://127.0.0.1:18091",
		namespace:  "https://integration.test.graphshard.local/",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Start builds (if needed) and launches the coordinator and shard binaries,
// waiting for both /health endpoints before returning.
func (ts *TestSystem) Start() error {
	root := moduleRoot()
	coordBin := filepath.Join(root, "bin", "coordinator")
	shardBin := filepath.Join(root, "bin", "shard")

	if _, err := os.Stat(coordBin); os.IsNotExist(err) {
		ts.t.Log("building coordinator binary...")
		cmd := exec.Command("go", "build", "-o", coordBin, "./cmd/coordinator")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to build coordinator: %w: %s", err, out)
		}
	}
	if _, err := os.Stat(shardBin); os.IsNotExist(err) {
		ts.t.Log("building shard binary...")
		cmd := exec.Command("go", "build", "-o", shardBin, "./cmd/shard")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to build shard: %w: %s", err, out)
		}
	}

	ts.t.Log("starting coordinator...")
	ts.coord = exec.Command(coordBin)
	ts.coord.Env = append(os.Environ(), "COORDINATOR_LISTEN=:18080")
	ts.coord.Stdout = os.Stdout
	ts.coord.Stderr = os.Stderr
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if err := ts.waitForService(ts.coordAddr + "/health"); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	ts.t.Log("starting shard...")
	ts.shard = exec.Command(shardBin)
	ts.shard.Env = append(os.Environ(),
		"SHARD_NAMESPACE="+ts.namespace,
		"SHARD_LISTEN=:18091",
		"COORDINATOR_ADDR=ws://127.0.0.1:18080/cdc",
	)
	ts.shard.Stdout = os.Stdout
	ts.shard.Stderr = os.Stderr
	if err := ts.shard.Start(); err != nil {
		return fmt.Errorf("failed to start shard: %w", err)
	}
	if err := ts.waitForService(ts.shardAddr + "/health"); err != nil {
		return fmt.Errorf("shard failed to start: %w", err)
	}

	// give the shard's CDC client time to register over the websocket
	time.Sleep(300 * time.Millisecond)
	return nil
}

// Stop kills both child processes.
func (ts *TestSystem) Stop() {
	if ts.shard != nil && ts.shard.Process != nil {
		ts.t.Log("stopping shard...")
		ts.shard.Process.Kill()
		ts.shard.Wait()
	}
	if ts.coord != nil && ts.coord.Process != nil {
		ts.t.Log("stopping coordinator...")
		ts.coord.Process.Kill()
		ts.coord.Wait()
	}
}

func (ts *TestSystem) waitForService(url string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := ts.httpClient.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", url)
}

// wireTriple mirrors cmd/shard's JSON triple shape.
type wireTriple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    any    `json:"object"`
	Timestamp int64  `json:"timestamp"`
	TxID      string `json:"txId,omitempty"`
}

func (ts *TestSystem) insert(triples ...wireTriple) (int, error) {
	body, _ := json.Marshal(triples)
	resp, err := ts.httpClient.Post(ts.shardAddr+"/triples", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (ts *TestSystem) get(subject string) (int, []wireTriple, error) {
	resp, err := ts.httpClient.Get(ts.shardAddr + "/triples/" + url.PathEscape(subject))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Triples []wireTriple `json:"triples"`
	}
	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &out)
	return resp.StatusCode, out.Triples, nil
}

func (ts *TestSystem) registrations() ([]map[string]any, error) {
	resp, err := ts.httpClient.Get(ts.coordAddr + "/registrations")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Registrations []map[string]any `json:"registrations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Registrations, nil
}

// TestDistributedStorage drives a shard and coordinator as separate
// processes: insert, read back, and confirm the shard registered for CDC.
func TestDistributedStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts := NewTestSystem(t)
	if err := ts.Start(); err != nil {
		t.Fatalf("failed to start test system: %v", err)
	}
	defer ts.Stop()

	t.Run("InsertAndGet", func(t *testing.T) {
		testInsertAndGet(t, ts)
	})

	t.Run("ShardRegistersForCDC", func(t *testing.T) {
		testShardRegistersForCDC(t, ts)
	})

	t.Run("HealthEndpoints", func(t *testing.T) {
		testHealthEndpoints(t, ts)
	})
}

func testInsertAndGet(t *testing.T, ts *TestSystem) {
	subject := ts.namespace + "entity/alice"
	status, err := ts.insert(
		wireTriple{Subject: subject, Predicate: "name", Object: "Alice", Timestamp: 1000},
		wireTriple{Subject: subject, Predicate: "age", Object: 30.0, Timestamp: 1000},
	)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	status, triples, err := ts.get(subject)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(triples) != 2 {
		t.Fatalf("expected 2 triples, got %d", len(triples))
	}
	foundName := false
	for _, tr := range triples {
		if tr.Predicate == "name" && tr.Object == "Alice" {
			foundName = true
		}
	}
	if !foundName {
		t.Errorf("expected a name=Alice triple, got %+v", triples)
	}
}

func testShardRegistersForCDC(t *testing.T, ts *TestSystem) {
	regs, err := ts.registrations()
	if err != nil {
		t.Fatalf("failed to fetch registrations: %v", err)
	}
	if len(regs) == 0 {
		t.Fatal("expected at least one shard registration after startup")
	}
	found := false
	for _, r := range regs {
		if r["namespace"] == ts.namespace {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a registration for namespace %q, got %v", ts.namespace, regs)
	}
}

func testHealthEndpoints(t *testing.T, ts *TestSystem) {
	for _, url := range []string{ts.coordAddr + "/health", ts.shardAddr + "/health"} {
		resp, err := ts.httpClient.Get(url)
		if err != nil {
			t.Fatalf("GET %s: %v", url, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", url, resp.StatusCode)
		}
	}
}
