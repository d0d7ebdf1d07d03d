package exec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dreamware/graphshard/internal/ident"
)

func mustEntityID(t *testing.T, s string) ident.EntityId {
	t.Helper()
	id, err := ident.NewEntityId(s)
	if err != nil {
		t.Fatalf("entity id %q: %v", s, err)
	}
	return id
}

func TestClientLookupSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lookup" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		var req struct {
			EntityIDs []string `json:"entityIds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.EntityIDs) != 1 {
			t.Fatalf("entityIds = %v", req.EntityIDs)
		}
		_ = json.NewEncoder(w).Encode(lookupResponse{
			Entities: []map[string]any{{"$id": req.EntityIDs[0]}},
			Triples: []wireTriple{
				{Subject: req.EntityIDs[0], Predicate: "name", Object: "Alice", Timestamp: 1},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(StaticShardResolver{"shard-0": srv.URL})
	id := mustEntityID(t, "https://g/user/alice")
	triples, err := client.Lookup(context.Background(), "shard-0", []ident.EntityId{id})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(triples) != 1 || triples[0].Predicate != "name" {
		t.Fatalf("triples = %+v", triples)
	}
}

func TestClientLookupErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(StaticShardResolver{"shard-0": srv.URL})
	id := mustEntityID(t, "https://g/user/alice")
	_, err := client.Lookup(context.Background(), "shard-0", []ident.EntityId{id})
	if err == nil {
		t.Fatal("expected an error")
	}
	execErr, ok := err.(*ExecutionError)
	if !ok {
		t.Fatalf("error type = %T, want *ExecutionError", err)
	}
	if execErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", execErr.StatusCode)
	}
	if execErr.ShardID != "shard-0" {
		t.Fatalf("shard id = %q", execErr.ShardID)
	}
}

func TestClientTraverseReturnsNeighborIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/traverse" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(lookupResponse{
			Entities: []map[string]any{{"$id": "https://g/user/bob"}, {"$id": "https://g/user/carol"}},
		})
	}))
	defer srv.Close()

	client := NewClient(StaticShardResolver{"shard-0": srv.URL})
	id := mustEntityID(t, "https://g/user/alice")
	_, ids, err := client.Traverse(context.Background(), "shard-0", []ident.EntityId{id}, "follows", "outgoing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestErrorTruncatesEntityIDs(t *testing.T) {
	ids := make([]string, 15)
	for i := range ids {
		ids[i] = "id"
	}
	e := &ExecutionError{ShardID: "shard-0", StatusCode: 500, EntityIDs: ids}
	msg := e.Error()
	if !contains(msg, "...") {
		t.Fatalf("expected truncation marker in %q", msg)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
