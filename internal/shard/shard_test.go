package shard

import (
	"testing"
	"time"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/kv"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/typedval"
)

func mustNS(t *testing.T, s string) ident.Namespace {
	t.Helper()
	ns, err := ident.NewNamespace(s)
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	return ns
}

func mustEID(t *testing.T, s string) ident.EntityId {
	t.Helper()
	id, err := ident.NewEntityId(s)
	if err != nil {
		t.Fatalf("NewEntityId: %v", err)
	}
	return id
}

func mustPred(t *testing.T, s string) ident.Predicate {
	t.Helper()
	p, err := ident.NewPredicate(s)
	if err != nil {
		t.Fatalf("NewPredicate: %v", err)
	}
	return p
}

func mustTxID(t *testing.T) ident.TransactionId {
	t.Helper()
	txID, err := ident.NewGeneratedTransactionId(nil, 1_700_000_000_000)
	if err != nil {
		t.Fatalf("NewGeneratedTransactionId: %v", err)
	}
	return txID
}

func newTestShard(t *testing.T) *Shard {
	t.Helper()
	ns := mustNS(t, "https://example.com/ns")
	s, err := New(ns, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

type recordingEmitter struct {
	events []CDCEvent
}

func (r *recordingEmitter) Emit(ns ident.Namespace, events []CDCEvent) error {
	r.events = append(r.events, events...)
	return nil
}

func TestInsertThenGet(t *testing.T) {
	s := newTestShard(t)
	alice := mustEID(t, "https://example.com/user/alice")
	name := mustPred(t, "name")
	txID := mustTxID(t)

	if err := s.Insert(triple.New(alice, name, typedval.NewStringObject("Alice"), 100, txID)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got := s.Get(alice)
	if len(got) != 1 {
		t.Fatalf("Get returned %d triples, want 1", len(got))
	}
}

func TestInsertEmitsCDC(t *testing.T) {
	s := newTestShard(t)
	emitter := &recordingEmitter{}
	s.SetEmitter(emitter)
	alice := mustEID(t, "https://example.com/user/alice")
	name := mustPred(t, "name")
	txID := mustTxID(t)

	if err := s.Insert(triple.New(alice, name, typedval.NewStringObject("Alice"), 100, txID)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if len(emitter.events) != 1 || emitter.events[0].Kind != "insert" {
		t.Fatalf("expected one insert event, got %+v", emitter.events)
	}
}

func TestUpdateThenDelete(t *testing.T) {
	s := newTestShard(t)
	alice := mustEID(t, "https://example.com/user/alice")
	name := mustPred(t, "name")
	txID := mustTxID(t)

	if err := s.Update(alice, name, typedval.NewStringObject("Alice"), txID); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := s.GetPredicate(alice, name); !ok {
		t.Fatal("GetPredicate: expected value after update")
	}

	if err := s.Delete(alice, name, txID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.GetPredicate(alice, name); ok {
		t.Fatal("GetPredicate: expected absent after delete (tombstoned)")
	}
}

func TestDeleteEntityTombstonesAllPredicates(t *testing.T) {
	s := newTestShard(t)
	alice := mustEID(t, "https://example.com/user/alice")
	name := mustPred(t, "name")
	age := mustPred(t, "age")
	txID := mustTxID(t)

	if err := s.Insert(
		triple.New(alice, name, typedval.NewStringObject("Alice"), 100, txID),
		triple.New(alice, age, typedval.NewInt64Object(30), 100, txID),
	); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.DeleteEntity(alice, txID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	if got := s.Get(alice); len(got) != 0 {
		t.Fatalf("Get after DeleteEntity returned %d triples, want 0", len(got))
	}
}

func TestLookupBatchFetch(t *testing.T) {
	s := newTestShard(t)
	alice := mustEID(t, "https://example.com/user/alice")
	bob := mustEID(t, "https://example.com/user/bob")
	name := mustPred(t, "name")
	txID := mustTxID(t)

	if err := s.Insert(
		triple.New(alice, name, typedval.NewStringObject("Alice"), 100, txID),
		triple.New(bob, name, typedval.NewStringObject("Bob"), 100, txID),
	); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results := s.Lookup([]ident.EntityId{alice, bob})
	if len(results) != 2 {
		t.Fatalf("Lookup returned %d subjects, want 2", len(results))
	}
}

func TestTraverseForwardRef(t *testing.T) {
	s := newTestShard(t)
	alice := mustEID(t, "https://example.com/user/alice")
	bob := mustEID(t, "https://example.com/user/bob")
	follows := mustPred(t, "follows")
	txID := mustTxID(t)

	if err := s.Insert(triple.New(alice, follows, typedval.NewRefObject(bob), 100, txID)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ids, err := s.Traverse(alice, follows, DirectionForward)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(ids) != 1 || ids[0].String() != bob.String() {
		t.Fatalf("Traverse forward = %+v, want [bob]", ids)
	}
}

func TestTraverseReverseRef(t *testing.T) {
	s := newTestShard(t)
	alice := mustEID(t, "https://example.com/user/alice")
	bob := mustEID(t, "https://example.com/user/bob")
	follows := mustPred(t, "follows")
	txID := mustTxID(t)

	if err := s.Insert(triple.New(alice, follows, typedval.NewRefObject(bob), 100, txID)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ids, err := s.Traverse(bob, follows, DirectionReverse)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(ids) != 1 || ids[0].String() != alice.String() {
		t.Fatalf("Traverse reverse = %+v, want [alice]", ids)
	}
}

func TestFilterNumericComparators(t *testing.T) {
	s := newTestShard(t)
	alice := mustEID(t, "https://example.com/user/alice")
	bob := mustEID(t, "https://example.com/user/bob")
	age := mustPred(t, "age")
	txID := mustTxID(t)

	if err := s.Insert(
		triple.New(alice, age, typedval.NewInt64Object(30), 100, txID),
		triple.New(bob, age, typedval.NewInt64Object(20), 100, txID),
	); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results := s.Filter(age, FilterGe, typedval.NewInt64Object(25))
	if len(results) != 1 || results[0].Subject.String() != alice.String() {
		t.Fatalf("Filter >= 25 = %+v, want only alice", results)
	}
}

func TestFilterNonNumericComparatorIsFalseNotError(t *testing.T) {
	s := newTestShard(t)
	alice := mustEID(t, "https://example.com/user/alice")
	name := mustPred(t, "name")
	txID := mustTxID(t)

	if err := s.Insert(triple.New(alice, name, typedval.NewStringObject("Alice"), 100, txID)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results := s.Filter(name, FilterGt, typedval.NewInt64Object(1))
	if len(results) != 0 {
		t.Fatalf("Filter > on non-numeric should be empty, got %+v", results)
	}
}

func TestInsertRejectedWhenNotActive(t *testing.T) {
	s := newTestShard(t)
	s.SetState(ShardStateDeleted)
	alice := mustEID(t, "https://example.com/user/alice")
	name := mustPred(t, "name")
	txID := mustTxID(t)

	if err := s.Insert(triple.New(alice, name, typedval.NewStringObject("Alice"), 100, txID)); err != ErrShardNotActive {
		t.Fatalf("Insert on non-active shard = %v, want ErrShardNotActive", err)
	}
}

func TestSetConfigValidatesRange(t *testing.T) {
	s := newTestShard(t)
	if err := s.SetConfig(Config{ConnectionTimeoutMs: 500}); err == nil {
		t.Fatal("expected rejection of connectionTimeoutMs below 1000")
	}
	if err := s.SetConfig(Config{ConnectionTimeoutMs: 60_000}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if got := s.Config().ConnectionTimeoutMs; got != 60_000 {
		t.Fatalf("Config().ConnectionTimeoutMs = %d, want 60000", got)
	}
}

func TestQueueAndCompleteOperation(t *testing.T) {
	s := newTestShard(t)
	op := s.QueueOperation("op-1", "compact")
	if op.State != OperationPending {
		t.Fatalf("new operation state = %v, want pending", op.State)
	}

	s.RunCompactionOperation("op-1")

	got, ok := s.OperationStatus("op-1")
	if !ok {
		t.Fatal("OperationStatus: not found")
	}
	if got.State != OperationDone {
		t.Fatalf("operation state after run = %v, want done", got.State)
	}
}

func TestConnectionCounting(t *testing.T) {
	s := newTestShard(t)
	s.IncrConnections()
	s.IncrConnections()
	s.DecrConnections()
	if got := s.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}
}

func TestScheduleMaintenanceStopsCleanly(t *testing.T) {
	s := newTestShard(t)
	s.ScheduleMaintenance(10 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	s.StopMaintenance()
}
