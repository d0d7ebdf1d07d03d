package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/query/parser"
	"github.com/dreamware/graphshard/internal/query/plan"
)

// userID returns the canonical entity id "user:key" resolves to, matching
// exactly what internal/query/plan.Build derives for the same query.
func userID(t *testing.T, key string) string {
	t.Helper()
	ns := ident.CanonicalizeNamespace("user")
	id, err := ident.NewEntityId(ns.String() + key)
	if err != nil {
		t.Fatalf("entity id for %q: %v", key, err)
	}
	return id.String()
}

// fakeShard is an in-memory graph served over /lookup and /traverse,
// matching the wire contract internal/query/exec.Client expects.
type fakeShard struct {
	follows map[string][]string // subject -> followed ids, outgoing "follows" edges
	ages    map[string]float64
}

func (f *fakeShard) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EntityIDs []string `json:"entityIds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := lookupResponse{}
		for _, id := range req.EntityIDs {
			resp.Entities = append(resp.Entities, map[string]any{"$id": id})
			if age, ok := f.ages[id]; ok {
				resp.Triples = append(resp.Triples, wireTriple{Subject: id, Predicate: "age", Object: age, Timestamp: 1})
			}
			resp.Triples = append(resp.Triples, wireTriple{Subject: id, Predicate: "name", Object: id, Timestamp: 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/traverse", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EntityIDs []string `json:"entityIds"`
			Predicate string   `json:"predicate"`
			Direction string   `json:"direction"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := lookupResponse{}
		seen := map[string]struct{}{}
		for _, id := range req.EntityIDs {
			for _, n := range f.follows[id] {
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				resp.Entities = append(resp.Entities, map[string]any{"$id": n})
				if age, ok := f.ages[n]; ok {
					resp.Triples = append(resp.Triples, wireTriple{Subject: n, Predicate: "age", Object: age, Timestamp: 1})
				}
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newTestExecutor(t *testing.T, f *fakeShard) (*Executor, string) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	shardID := ident.ShardID(ident.CanonicalizeNamespace("user"))
	client := NewClient(StaticShardResolver{shardID: srv.URL})
	return NewExecutor(client), shardID
}

func buildTestPlan(t *testing.T, q string) *plan.Plan {
	t.Helper()
	n, err := parser.Parse(q)
	if err != nil {
		t.Fatalf("parse %q: %v", q, err)
	}
	p, err := plan.Build(n)
	if err != nil {
		t.Fatalf("build %q: %v", q, err)
	}
	return p
}

func TestExecutorLookupSingleEntity(t *testing.T) {
	alice := userID(t, "alice")
	f := &fakeShard{ages: map[string]float64{alice: 31}}
	ex, _ := newTestExecutor(t, f)

	p := buildTestPlan(t, "user:alice")
	res, err := ex.Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Entities) != 1 || res.Entities[0].ID != alice {
		t.Fatalf("entities = %+v", res.Entities)
	}
}

func TestExecutorTraverseAndFilter(t *testing.T) {
	alice, bob, carol := userID(t, "alice"), userID(t, "bob"), userID(t, "carol")
	f := &fakeShard{
		follows: map[string][]string{alice: {bob, carol}},
		ages:    map[string]float64{bob: 35, carol: 20},
	}
	ex, _ := newTestExecutor(t, f)

	p := buildTestPlan(t, `user:alice.follows[?age > 30]`)
	res, err := ex.Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Entities) != 1 || res.Entities[0].ID != bob {
		t.Fatalf("entities = %+v, want just bob", res.Entities)
	}
}

func TestExecutorRecurseTerminatesOnCycle(t *testing.T) {
	alice, bob, carol := userID(t, "alice"), userID(t, "bob"), userID(t, "carol")
	f := &fakeShard{
		follows: map[string][]string{
			alice: {bob},
			bob:   {carol},
			carol: {alice}, // cycle back to the start
		},
	}
	ex, _ := newTestExecutor(t, f)

	p := buildTestPlan(t, `user:alice.follows*`)
	res, err := ex.Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := map[string]bool{}
	for _, e := range res.Entities {
		got[e.ID] = true
	}
	if len(got) != 2 || !got[bob] || !got[carol] {
		t.Fatalf("entities = %+v, want exactly {bob, carol}", res.Entities)
	}
}

func TestExecutorRecurseRespectsDepthBound(t *testing.T) {
	alice, bob, carol, dave := userID(t, "alice"), userID(t, "bob"), userID(t, "carol"), userID(t, "dave")
	f := &fakeShard{
		follows: map[string][]string{
			alice: {bob},
			bob:   {carol},
			carol: {dave},
		},
	}
	ex, _ := newTestExecutor(t, f)

	p := buildTestPlan(t, `user:alice.follows*[depth <= 1]`)
	res, err := ex.Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := map[string]bool{}
	for _, e := range res.Entities {
		got[e.ID] = true
	}
	if len(got) != 1 || !got[bob] {
		t.Fatalf("entities = %+v, want exactly {bob}", res.Entities)
	}
}

func TestExecutorPaginationAcrossThreePages(t *testing.T) {
	alice := userID(t, "alice")
	followees := make([]string, 25)
	ages := map[string]float64{}
	for i := range followees {
		followees[i] = userID(t, fmt.Sprintf("followee%02d", i))
		ages[followees[i]] = float64(i)
	}
	f := &fakeShard{follows: map[string][]string{alice: followees}, ages: ages}
	ex, _ := newTestExecutor(t, f)

	p := buildTestPlan(t, "user:alice.follows")

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		res, err := ex.Run(context.Background(), p, RunOptions{MaxResults: 10, Cursor: cursor})
		if err != nil {
			t.Fatalf("page %d: unexpected error: %v", pages, err)
		}
		pages++
		for _, e := range res.Entities {
			seen[e.ID] = true
		}
		if !res.HasMore {
			break
		}
		cursor = res.Cursor
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}
	if pages != 3 {
		t.Fatalf("pages = %d, want 3", pages)
	}
	if len(seen) != 25 {
		t.Fatalf("saw %d distinct entities, want 25", len(seen))
	}
}

func TestExecutorCursorRejectsMismatchedQuery(t *testing.T) {
	alice := userID(t, "alice")
	f := &fakeShard{ages: map[string]float64{alice: 1}}
	ex, _ := newTestExecutor(t, f)

	p1 := buildTestPlan(t, "user:alice")
	res, err := ex.Run(context.Background(), p1, RunOptions{MaxResults: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = res

	forged, err := EncodeCursor(CursorState{Ts: time.Now().UnixMilli(), QueryHash: 0})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p2 := buildTestPlan(t, "user:bob")
	if _, err := ex.Run(context.Background(), p2, RunOptions{Cursor: forged}); err != ErrCursorQueryMismatch {
		t.Fatalf("err = %v, want ErrCursorQueryMismatch", err)
	}
}

func TestExecutorTimeoutYieldsPartialResult(t *testing.T) {
	alice := userID(t, "alice")
	f := &fakeShard{ages: map[string]float64{alice: 1}}
	ex, _ := newTestExecutor(t, f)

	p := buildTestPlan(t, "user:alice")
	res, err := ex.Run(context.Background(), p, RunOptions{Timeout: time.Nanosecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut to be true")
	}
}
