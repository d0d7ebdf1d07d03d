// Package shard implements the fundamental storage unit for the graph
// database's distributed system. See doc.go for complete package
// documentation.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/graphshard/internal/chunkstore"
	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/kv"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/triplestore"
	"github.com/dreamware/graphshard/internal/typedval"
)

// ShardState represents the current operational state of a shard,
// determining whether it can accept requests.
//
// State transitions follow specific rules:
//   - Active → Migrating: when the namespace needs to move to another node
//   - Migrating → Active: after successful migration completion
//   - Migrating → Deleted: after data has been moved elsewhere
//   - Active → Deleted: when the shard is being decommissioned
type ShardState string

const (
	// ShardStateActive indicates the shard is fully operational and
	// serving requests.
	ShardStateActive ShardState = "active"

	// ShardStateMigrating indicates the shard's namespace is being moved
	// to another node; reads still serve but writes may be rejected by
	// the caller's policy.
	ShardStateMigrating ShardState = "migrating"

	// ShardStateDeleted indicates the shard is marked for deletion and
	// rejects all new operations.
	ShardStateDeleted ShardState = "deleted"
)

// ErrShardNotActive is returned by mutating operations when the shard is
// not in ShardStateActive.
var ErrShardNotActive = errors.New("shard: not active")

// CDCEvent is the notification a shard emits after a mutating operation
// commits, independent of how it's transported to the coordinator.
type CDCEvent struct {
	Kind      string // "insert", "update", or "delete"
	Subject   ident.EntityId
	Predicate ident.Predicate
	Object    typedval.TypedObject
	Timestamp int64
	TxID      ident.TransactionId
}

// CDCEmitter is implemented by whatever transport connects a shard to the
// CDC coordinator (internal/cdc's websocket client in production, a
// recording stub in tests). A nil CDCEmitter is valid: shards operate
// without CDC emission until one is attached.
type CDCEmitter interface {
	Emit(ns ident.Namespace, events []CDCEvent) error
}

// OperationStats tracks cumulative operation counts for monitoring.
type OperationStats struct {
	Inserts   uint64
	Updates   uint64
	Deletes   uint64
	Lookups   uint64
	Traverses uint64
	Filters   uint64
}

// ShardStats bundles operation counters with underlying storage stats.
type ShardStats struct {
	Ops     OperationStats
	Chunks  chunkstore.Stats
	Triples triplestore.Stats
}

// ShardInfo is a point-in-time snapshot for admin/monitoring endpoints.
type ShardInfo struct {
	Namespace    string
	State        ShardState
	ChunkCount   int
	SubjectCount int
}

// Config holds per-shard tunables validated at set time.
type Config struct {
	ConnectionTimeoutMs int
}

const (
	minConnectionTimeoutMs = 1_000
	maxConnectionTimeoutMs = 300_000
)

// ValidateConfig enforces connectionTimeoutMs ∈ [1000, 300000].
func ValidateConfig(c Config) error {
	if c.ConnectionTimeoutMs < minConnectionTimeoutMs || c.ConnectionTimeoutMs > maxConnectionTimeoutMs {
		return fmt.Errorf("shard: connectionTimeoutMs %d out of range [%d, %d]", c.ConnectionTimeoutMs, minConnectionTimeoutMs, maxConnectionTimeoutMs)
	}
	return nil
}

// OperationState is the lifecycle state of a queued long-running
// operation (e.g. an admin-triggered compaction).
type OperationState string

const (
	OperationPending OperationState = "pending"
	OperationRunning OperationState = "running"
	OperationDone    OperationState = "done"
	OperationFailed  OperationState = "failed"
)

// Operation tracks a queued asynchronous admin operation.
type Operation struct {
	ID        string
	Kind      string
	State     OperationState
	Err       string
	CreatedAt int64
}

// Shard owns one namespace's storage. Shard does not serialize mutating
// operations against each other: each one writes through the chunk store
// and the triple index, which lock internally, so concurrent mutations may
// interleave. mu guards state, cfg and emitter only.
type Shard struct {
	Namespace ident.Namespace
	Chunks    *chunkstore.ChunkStore
	Index     *triplestore.TripleStore

	mu    sync.RWMutex
	state ShardState
	cfg   Config

	ops   OperationStats
	conns int64

	emitter CDCEmitter

	opMu       sync.Mutex
	pendingOps map[string]*Operation

	maintCtx    context.Context
	maintCancel context.CancelFunc
	maintWG     sync.WaitGroup
}

// New constructs a Shard for namespace ns. chunkstore and triplestore share
// the same underlying kv.Store instance — their key prefixes ("chunk:"/
// "bloom:" vs "row:") never collide, so one store backs both layers the
// way a single storage.Store backed one shard in the predecessor design.
func New(ns ident.Namespace, store kv.Store) (*Shard, error) {
	idx, err := triplestore.New(store)
	if err != nil {
		return nil, fmt.Errorf("shard: build triplestore: %w", err)
	}
	return &Shard{
		Namespace:  ns,
		Chunks:     chunkstore.New(ns, store),
		Index:      idx,
		state:      ShardStateActive,
		cfg:        Config{ConnectionTimeoutMs: 30_000},
		pendingOps: make(map[string]*Operation),
	}, nil
}

// SetEmitter attaches (or replaces) the shard's CDC transport.
func (s *Shard) SetEmitter(e CDCEmitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitter = e
}

// State returns the shard's current operational state.
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the shard's operational state.
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Shard) requireActive() error {
	if s.State() != ShardStateActive {
		return ErrShardNotActive
	}
	return nil
}

func (s *Shard) emit(kind string, triples []triple.Triple) {
	s.mu.RLock()
	emitter := s.emitter
	s.mu.RUnlock()
	if emitter == nil || len(triples) == 0 {
		return
	}
	events := make([]CDCEvent, len(triples))
	for i, t := range triples {
		events[i] = CDCEvent{Kind: kind, Subject: t.Subject, Predicate: t.Predicate, Object: t.Object, Timestamp: t.Timestamp, TxID: t.TxID}
	}
	if err := emitter.Emit(s.Namespace, events); err != nil {
		log.Printf("shard %s: cdc emit failed: %v", s.Namespace, err)
	}
}

// Insert validates nothing beyond what the branded constructors already
// guarantee, appends each triple to the chunk buffer and the triple index,
// and emits a CDC insert event per triple.
func (s *Shard) Insert(triples ...triple.Triple) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	s.Chunks.Write(triples...)
	for _, t := range triples {
		if err := s.Index.Write(t); err != nil {
			return fmt.Errorf("shard: index write: %w", err)
		}
	}
	atomic.AddUint64(&s.ops.Inserts, uint64(len(triples)))
	s.emit("insert", triples)
	return nil
}

// Get returns every current (non-tombstoned) triple for subject.
func (s *Shard) Get(subject ident.EntityId) []triple.Triple {
	atomic.AddUint64(&s.ops.Lookups, 1)
	return s.Index.GetCurrentTriples(subject)
}

// GetPredicate returns the current value of subject+predicate, or false if
// absent or tombstoned.
func (s *Shard) GetPredicate(subject ident.EntityId, predicate ident.Predicate) (triple.Triple, bool) {
	atomic.AddUint64(&s.ops.Lookups, 1)
	t, ok := s.Index.GetLatestTriple(subject, predicate)
	if !ok || t.Object.IsTombstone() {
		return triple.Triple{}, false
	}
	return t, true
}

// Update writes a new version row for subject+predicate and emits a CDC
// update event.
func (s *Shard) Update(subject ident.EntityId, predicate ident.Predicate, object typedval.TypedObject, txID ident.TransactionId) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	t := triple.New(subject, predicate, object, ident.NowMillis(), txID)
	s.Chunks.Write(t)
	if err := s.Index.Write(t); err != nil {
		return fmt.Errorf("shard: index write: %w", err)
	}
	atomic.AddUint64(&s.ops.Updates, 1)
	s.emit("update", []triple.Triple{t})
	return nil
}

// Delete tombstones subject+predicate.
func (s *Shard) Delete(subject ident.EntityId, predicate ident.Predicate, txID ident.TransactionId) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	t := triple.New(subject, predicate, typedval.NewNullObject(), ident.NowMillis(), txID)
	s.Chunks.Write(t)
	if err := s.Index.Write(t); err != nil {
		return fmt.Errorf("shard: index write: %w", err)
	}
	atomic.AddUint64(&s.ops.Deletes, 1)
	s.emit("delete", []triple.Triple{t})
	return nil
}

// DeleteEntity tombstones every predicate currently set on subject.
func (s *Shard) DeleteEntity(subject ident.EntityId, txID ident.TransactionId) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	current := s.Index.GetCurrentTriples(subject)
	if len(current) == 0 {
		return nil
	}
	now := ident.NowMillis()
	tombstones := make([]triple.Triple, len(current))
	for i, t := range current {
		tombstones[i] = triple.New(subject, t.Predicate, typedval.NewNullObject(), now, txID)
	}
	s.Chunks.Write(tombstones...)
	for _, t := range tombstones {
		if err := s.Index.Write(t); err != nil {
			return fmt.Errorf("shard: index write: %w", err)
		}
	}
	atomic.AddUint64(&s.ops.Deletes, uint64(len(tombstones)))
	s.emit("delete", tombstones)
	return nil
}

// Lookup batch-fetches current triples for every id in one underlying
// query against the triple index's secondary structure.
func (s *Shard) Lookup(ids []ident.EntityId) map[string][]triple.Triple {
	atomic.AddUint64(&s.ops.Lookups, 1)
	return s.Index.GetTriplesForMultipleSubjects(ids)
}

// Direction selects which way Traverse follows predicate edges.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

// Traverse returns the entities reachable from `from` via REF/REF_ARRAY
// values of predicate, in the given direction.
func (s *Shard) Traverse(from ident.EntityId, predicate ident.Predicate, direction Direction) ([]ident.EntityId, error) {
	atomic.AddUint64(&s.ops.Traverses, 1)
	switch direction {
	case DirectionForward:
		t, ok := s.Index.GetLatestTriple(from, predicate)
		if !ok || t.Object.IsTombstone() {
			return nil, nil
		}
		switch t.Object.Tag {
		case typedval.Ref:
			return []ident.EntityId{t.Object.RefValue()}, nil
		case typedval.RefArray:
			return t.Object.RefsValue(), nil
		default:
			return nil, fmt.Errorf("shard: predicate %q is not a REF/REF_ARRAY on %q", predicate, from)
		}
	case DirectionReverse:
		return s.Index.FindReferencing(predicate, from), nil
	default:
		return nil, fmt.Errorf("shard: unknown traverse direction %q", direction)
	}
}

// FilterOp is a typed comparison operator for Filter.
type FilterOp string

const (
	FilterEq FilterOp = "="
	FilterNe FilterOp = "!="
	FilterLt FilterOp = "<"
	FilterLe FilterOp = "<="
	FilterGt FilterOp = ">"
	FilterGe FilterOp = ">="
)

// Filter scans every current triple for predicate `field` and returns
// those matching `op value`. Numeric comparators (<,<=,>,>=) are defined
// only when both operands are numeric; otherwise the predicate is false,
// never an error. Equality/inequality compare by value identity across
// matching variants. Tombstones are never considered (ScanByPredicate
// already excludes them).
func (s *Shard) Filter(field ident.Predicate, op FilterOp, value typedval.TypedObject) []triple.Triple {
	atomic.AddUint64(&s.ops.Filters, 1)
	candidates := s.Index.ScanByPredicate(field)
	out := make([]triple.Triple, 0, len(candidates))
	for _, t := range candidates {
		if evalFilter(t.Object, op, value) {
			out = append(out, t)
		}
	}
	return out
}

func evalFilter(a typedval.TypedObject, op FilterOp, b typedval.TypedObject) bool {
	switch op {
	case FilterEq:
		return a.Equal(b)
	case FilterNe:
		return !a.Equal(b)
	case FilterLt, FilterLe, FilterGt, FilterGe:
		av, aok := a.NumericValue()
		bv, bok := b.NumericValue()
		if !aok || !bok {
			return false
		}
		switch op {
		case FilterLt:
			return av < bv
		case FilterLe:
			return av <= bv
		case FilterGt:
			return av > bv
		case FilterGe:
			return av >= bv
		}
	}
	return false
}

// ListChunks, GetChunk, DeleteChunk, Compact, and ChunkStats delegate
// straight to the chunk store; they exist on Shard so cmd/shard's HTTP
// handlers have one object to depend on.

func (s *Shard) ListChunks() ([]*chunkstore.ChunkRecord, error) { return s.Chunks.ListChunks() }

func (s *Shard) GetChunk(chunkID string) (*chunkstore.ChunkRecord, error) {
	return s.Chunks.GetChunk(chunkID)
}

func (s *Shard) DeleteChunk(chunkID string) error { return s.Chunks.DeleteChunk(chunkID) }

func (s *Shard) Compact() (bool, error) { return s.Chunks.Compact() }

func (s *Shard) ChunkStats() (chunkstore.Stats, error) { return s.Chunks.ChunkStats() }

// GetStats returns a consistent snapshot of operational and storage
// statistics.
func (s *Shard) GetStats() (ShardStats, error) {
	chunkStats, err := s.Chunks.ChunkStats()
	if err != nil {
		return ShardStats{}, err
	}
	return ShardStats{
		Ops: OperationStats{
			Inserts:   atomic.LoadUint64(&s.ops.Inserts),
			Updates:   atomic.LoadUint64(&s.ops.Updates),
			Deletes:   atomic.LoadUint64(&s.ops.Deletes),
			Lookups:   atomic.LoadUint64(&s.ops.Lookups),
			Traverses: atomic.LoadUint64(&s.ops.Traverses),
			Filters:   atomic.LoadUint64(&s.ops.Filters),
		},
		Chunks:  chunkStats,
		Triples: s.Index.Stats(),
	}, nil
}

// Info returns a point-in-time snapshot for admin endpoints.
func (s *Shard) Info() (ShardInfo, error) {
	chunkStats, err := s.Chunks.ChunkStats()
	if err != nil {
		return ShardInfo{}, err
	}
	idxStats := s.Index.Stats()
	return ShardInfo{
		Namespace:    s.Namespace.String(),
		State:        s.State(),
		ChunkCount:   chunkStats.ChunkCount,
		SubjectCount: idxStats.SubjectCount,
	}, nil
}

// Config returns the shard's current tunables.
func (s *Shard) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetConfig validates and applies new tunables.
func (s *Shard) SetConfig(c Config) error {
	if err := ValidateConfig(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = c
	return nil
}

// IncrConnections and DecrConnections track live client connections for
// connectionCount(); callers (cmd/shard's HTTP middleware) call these
// around request handling.
func (s *Shard) IncrConnections() { atomic.AddInt64(&s.conns, 1) }
func (s *Shard) DecrConnections() { atomic.AddInt64(&s.conns, -1) }

// ConnectionCount returns the current live connection count.
func (s *Shard) ConnectionCount() int64 { return atomic.LoadInt64(&s.conns) }

// QueueOperation registers a new asynchronous admin operation (e.g. a
// manually triggered compaction) and returns its id.
func (s *Shard) QueueOperation(id, kind string) *Operation {
	op := &Operation{ID: id, Kind: kind, State: OperationPending, CreatedAt: ident.NowMillis()}
	s.opMu.Lock()
	s.pendingOps[id] = op
	s.opMu.Unlock()
	return op
}

// OperationStatus returns the current state of a queued operation.
func (s *Shard) OperationStatus(id string) (*Operation, bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	op, ok := s.pendingOps[id]
	return op, ok
}

func (s *Shard) completeOperation(id string, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	op, ok := s.pendingOps[id]
	if !ok {
		return
	}
	if err != nil {
		op.State = OperationFailed
		op.Err = err.Error()
	} else {
		op.State = OperationDone
	}
}

// RunCompactionOperation executes a queued compaction operation
// synchronously, recording its outcome.
func (s *Shard) RunCompactionOperation(id string) {
	s.opMu.Lock()
	if op, ok := s.pendingOps[id]; ok {
		op.State = OperationRunning
	}
	s.opMu.Unlock()

	_, err := s.Compact()
	s.completeOperation(id, err)
}

// ScheduleMaintenance starts a background compaction loop on the given
// interval, driven by a ticker and stopped through a cancelable context
// (see StopMaintenance).
func (s *Shard) ScheduleMaintenance(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.maintCtx, s.maintCancel = ctx, cancel
	s.maintWG.Add(1)

	go func() {
		defer s.maintWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Compact(); err != nil {
					log.Printf("shard %s: maintenance compaction failed: %v", s.Namespace, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopMaintenance cancels the background maintenance loop and waits for it
// to exit.
func (s *Shard) StopMaintenance() {
	if s.maintCancel == nil {
		return
	}
	s.maintCancel()
	s.maintWG.Wait()
}
