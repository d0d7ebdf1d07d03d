package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/graphshard/internal/graphcol"
	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/kv"
	"github.com/dreamware/graphshard/internal/metrics"
	"github.com/dreamware/graphshard/internal/objectstore"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/typedval"
)

// MaxBatchSize and FlushTimeout implement the two flush triggers: a flush
// fires when total buffered events across all namespaces reach MaxBatchSize,
// or FlushTimeout elapses since the first event buffered after the previous
// flush, whichever comes first.
const (
	MaxBatchSize = 1000
	FlushTimeout = 100 * time.Millisecond
)

// ErrOutOfOrderSequence is returned when a shard's cdc message sequence does
// not exceed its last accepted sequence; none of that message's events are
// buffered.
var ErrOutOfOrderSequence = errors.New("cdc: out-of-order sequence")

const regKeyPrefix = "shardreg:"

// bufferedEvent pairs a namespace's buffered CDC event with the shard it
// came from, so a flush can ack every contributing shard once its blob is
// durable.
type bufferedEvent struct {
	shardID string
	triple  triple.Triple
}

// Coordinator is the CDC ingestion point: it validates per-shard sequence
// numbers, buffers events per namespace, flushes buffered batches to the
// object store as GraphCol blobs, and acknowledges shards once a flush
// succeeds. Registration bookkeeping mirrors the predecessor ShardRegistry's
// map-plus-RWMutex shape; the flush timer mirrors the health monitor's
// ticker/ctx/cancel lifecycle.
type Coordinator struct {
	store   kv.Store
	objects objectstore.ObjectStore

	regMu sync.RWMutex
	regs  map[string]*ShardRegistration

	bufMu      sync.Mutex
	buffers    map[string][]bufferedEvent // namespace -> events
	bufferSize int
	flushTimer *time.Timer

	connMu sync.RWMutex
	conns  map[string]*websocket.Conn // shardID -> live connection

	pathSeq   map[string]int64 // namespace -> next WAL sequence counter
	pathSeqMu sync.Mutex

	upgrader websocket.Upgrader
	metrics  *metrics.Coordinator
}

// New constructs a Coordinator, loading any previously persisted shard
// registrations from store.
func New(store kv.Store, objects objectstore.ObjectStore) (*Coordinator, error) {
	c := &Coordinator{
		store:   store,
		objects: objects,
		regs:    make(map[string]*ShardRegistration),
		buffers: make(map[string][]bufferedEvent),
		conns:   make(map[string]*websocket.Conn),
		pathSeq: make(map[string]int64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: metrics.NewCoordinator(),
	}
	for _, key := range store.ListPrefix(regKeyPrefix) {
		raw, err := store.Get(key)
		if err != nil {
			continue
		}
		var reg ShardRegistration
		if err := json.Unmarshal(raw, &reg); err != nil {
			continue
		}
		c.regs[reg.ShardID] = &reg
	}
	return c, nil
}

func (c *Coordinator) persistRegistration(reg *ShardRegistration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("cdc: marshal registration: %w", err)
	}
	return c.store.Put(regKeyPrefix+reg.ShardID, raw)
}

// Register records shardID as serving namespace, starting (or restoring)
// its lastSequence. Re-registering an already-known shard keeps its
// persisted lastSequence, since transport handles are ephemeral but
// sequence state is durable.
func (c *Coordinator) Register(shardID, namespace string) (*ShardRegistration, error) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	reg, ok := c.regs[shardID]
	if !ok {
		reg = &ShardRegistration{ShardID: shardID, Namespace: namespace, RegisteredAt: ident.NowMillis()}
		c.regs[shardID] = reg
	}
	if err := c.persistRegistration(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Deregister removes shardID's registration and live connection.
func (c *Coordinator) Deregister(shardID string) {
	c.regMu.Lock()
	delete(c.regs, shardID)
	c.regMu.Unlock()
	_ = c.store.Delete(regKeyPrefix + shardID)
	c.connMu.Lock()
	delete(c.conns, shardID)
	c.connMu.Unlock()
}

// MetricsRegistry returns the Prometheus registry backing this
// Coordinator's metrics, for mounting at /metrics.
func (c *Coordinator) MetricsRegistry() *prometheus.Registry {
	return c.metrics.Registry
}

// RegistrationFor returns the current registration for shardID, if any.
func (c *Coordinator) RegistrationFor(shardID string) (*ShardRegistration, bool) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	reg, ok := c.regs[shardID]
	return reg, ok
}

// ListRegistrations returns a snapshot of every known shard registration,
// sorted by shard ID, for the coordinator's admin/status endpoint.
func (c *Coordinator) ListRegistrations() []ShardRegistration {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	out := make([]ShardRegistration, 0, len(c.regs))
	for _, reg := range c.regs {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}

// Ingest applies the sequence gate and, on success, buffers events for
// namespace and arms the flush trigger(s). A sequence that doesn't exceed
// the shard's lastSequence is rejected wholesale: none of its events are
// buffered.
func (c *Coordinator) Ingest(shardID, namespace string, events []triple.Triple, sequence int64) error {
	c.regMu.Lock()
	reg, ok := c.regs[shardID]
	if !ok {
		reg = &ShardRegistration{ShardID: shardID, Namespace: namespace, RegisteredAt: ident.NowMillis()}
		c.regs[shardID] = reg
	}
	if sequence <= reg.LastSequence {
		c.regMu.Unlock()
		c.metrics.RejectedSeq.Inc()
		return ErrOutOfOrderSequence
	}
	reg.LastSequence = sequence
	err := c.persistRegistration(reg)
	c.regMu.Unlock()
	if err != nil {
		return err
	}

	c.bufMu.Lock()
	for _, t := range events {
		c.buffers[namespace] = append(c.buffers[namespace], bufferedEvent{shardID: shardID, triple: t})
	}
	c.bufferSize += len(events)
	shouldFlushNow := c.bufferSize >= MaxBatchSize
	if c.flushTimer == nil && len(events) > 0 {
		c.flushTimer = time.AfterFunc(FlushTimeout, c.flushAll)
	}
	c.metrics.EventsBuffered.Set(float64(c.bufferSize))
	c.bufMu.Unlock()

	c.metrics.EventsIngested.Add(float64(len(events)))

	if shouldFlushNow {
		c.flushAll()
	}
	return nil
}

// flushAll writes one blob per namespace with at least one buffered event,
// then acknowledges every shard that contributed events to a namespace that
// flushed successfully. A namespace whose blob write fails keeps its buffer
// for the next trigger; the timer re-arms around it.
func (c *Coordinator) flushAll() {
	c.bufMu.Lock()
	pending := c.buffers
	c.buffers = make(map[string][]bufferedEvent)
	c.bufferSize = 0
	c.flushTimer = nil
	c.bufMu.Unlock()
	c.metrics.EventsBuffered.Set(0)

	retry := make(map[string][]bufferedEvent)
	for namespace, events := range pending {
		if len(events) == 0 {
			continue
		}
		start := time.Now()
		acked, err := c.flushNamespace(namespace, events)
		c.metrics.FlushLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			log.Printf("cdc: flush namespace %s failed, retaining buffer: %v", namespace, err)
			c.metrics.FlushesTotal.WithLabelValues("failure").Inc()
			retry[namespace] = events
			continue
		}
		c.metrics.FlushesTotal.WithLabelValues("success").Inc()
		c.ackShards(acked)
	}

	if len(retry) > 0 {
		c.bufMu.Lock()
		for ns, events := range retry {
			c.buffers[ns] = append(events, c.buffers[ns]...)
			c.bufferSize += len(events)
		}
		if c.flushTimer == nil {
			c.flushTimer = time.AfterFunc(FlushTimeout, c.flushAll)
		}
		c.metrics.EventsBuffered.Set(float64(c.bufferSize))
		c.bufMu.Unlock()
	}
}

// flushNamespace encodes events as one GraphCol blob and writes it under the
// namespace's WAL path, returning a per-shard count of acknowledged events.
func (c *Coordinator) flushNamespace(namespace string, events []bufferedEvent) (map[string]int, error) {
	ns, err := ident.NewNamespace(namespace)
	if err != nil {
		return nil, fmt.Errorf("cdc: invalid namespace %q: %w", namespace, err)
	}

	triples := make([]triple.Triple, len(events))
	acked := make(map[string]int, 4)
	var maxTs int64
	for i, e := range events {
		triples[i] = e.triple
		acked[e.shardID]++
		if e.triple.Timestamp > maxTs {
			maxTs = e.triple.Timestamp
		}
	}

	blob, err := graphcol.Encode(triples, ns)
	if err != nil {
		return nil, fmt.Errorf("cdc: encode wal blob: %w", err)
	}

	key, err := c.walPath(ns, maxTs)
	if err != nil {
		return nil, err
	}

	if err := c.objects.Put(context.Background(), key, blob); err != nil {
		return nil, fmt.Errorf("cdc: write wal blob %q: %w", key, err)
	}
	return acked, nil
}

// walPath derives {reversed}/_wal/YYYY-MM-DD/NNNNNN-SSS.gcol, where the date
// comes from the batch's maximum event timestamp and NNNNNN-SSS is a
// per-namespace monotonic counter.
func (c *Coordinator) walPath(ns ident.Namespace, maxTimestampMs int64) (string, error) {
	reversed, err := ident.ReversedNamespacePath(ns)
	if err != nil {
		return "", err
	}
	date := time.UnixMilli(maxTimestampMs).UTC().Format("2006-01-02")

	c.pathSeqMu.Lock()
	seq := c.pathSeq[ns.String()]
	c.pathSeq[ns.String()] = seq + 1
	c.pathSeqMu.Unlock()

	return fmt.Sprintf("%s/_wal/%s/%06d-%03d.gcol", reversed, date, seq, seq%1000), nil
}

// ackShards sends an ack frame to each shard's live connection, carrying its
// current lastSequence and the count of events just acknowledged.
func (c *Coordinator) ackShards(acked map[string]int) {
	shardIDs := make([]string, 0, len(acked))
	for id := range acked {
		shardIDs = append(shardIDs, id)
	}
	sort.Strings(shardIDs)

	for _, shardID := range shardIDs {
		reg, ok := c.RegistrationFor(shardID)
		if !ok {
			continue
		}
		env := Envelope{
			Type:        MessageAck,
			ShardID:     shardID,
			Sequence:    strconv.FormatInt(reg.LastSequence, 10),
			EventsAcked: acked[shardID],
		}
		c.send(shardID, env)
	}
}

func (c *Coordinator) send(shardID string, env Envelope) {
	c.connMu.RLock()
	conn := c.conns[shardID]
	c.connMu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("cdc: write to shard %s failed: %v", shardID, err)
	}
}

// HandleWS upgrades r to a websocket connection and serves the shard→
// coordinator protocol on it until the connection closes.
func (c *Coordinator) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("cdc: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var shardID string
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if shardID != "" {
				c.connMu.Lock()
				delete(c.conns, shardID)
				c.connMu.Unlock()
			}
			return
		}

		switch env.Type {
		case MessageRegister:
			shardID = env.ShardID
			c.connMu.Lock()
			c.conns[shardID] = conn
			c.connMu.Unlock()
			if _, err := c.Register(env.ShardID, env.Namespace); err != nil {
				_ = conn.WriteJSON(Envelope{Type: MessageError, Message: err.Error()})
				continue
			}
			_ = conn.WriteJSON(Envelope{Type: MessageRegistered, ShardID: env.ShardID})

		case MessageDeregister:
			c.Deregister(env.ShardID)

		case MessageCDC:
			seq, perr := strconv.ParseInt(env.Sequence, 10, 64)
			if perr != nil {
				_ = conn.WriteJSON(Envelope{Type: MessageError, Message: "invalid sequence"})
				continue
			}
			triples, derr := decodeWireEvents(env.Events)
			if derr != nil {
				_ = conn.WriteJSON(Envelope{Type: MessageError, Message: derr.Error()})
				continue
			}
			if err := c.Ingest(env.ShardID, env.Namespace, triples, seq); err != nil {
				_ = conn.WriteJSON(Envelope{Type: MessageError, Message: err.Error()})
				continue
			}
		}
	}
}

func decodeWireEvents(events []WireEvent) ([]triple.Triple, error) {
	out := make([]triple.Triple, 0, len(events))
	for _, e := range events {
		subject, err := ident.NewEntityId(e.Subject)
		if err != nil {
			return nil, err
		}
		pred, err := ident.NewPredicate(e.Predicate)
		if err != nil {
			return nil, err
		}
		txID, err := ident.NewTransactionId(e.TxID)
		if err != nil {
			return nil, err
		}
		obj, err := wireValueToObject(e.Object, e.Kind)
		if err != nil {
			return nil, err
		}
		out = append(out, triple.New(subject, pred, obj, e.Timestamp, txID))
	}
	return out, nil
}

func wireValueToObject(v any, kind string) (typedval.TypedObject, error) {
	if kind == "delete" || v == nil {
		return typedval.NewNullObject(), nil
	}
	switch val := v.(type) {
	case bool:
		return typedval.NewBoolObject(val), nil
	case float64:
		if val == float64(int64(val)) {
			return typedval.NewInt64Object(int64(val)), nil
		}
		return typedval.NewFloat64Object(val), nil
	case string:
		return typedval.NewStringObject(val), nil
	default:
		return typedval.NewJSONObject(val), nil
	}
}
