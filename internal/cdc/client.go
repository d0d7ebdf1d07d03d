package cdc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/shard"
	"github.com/dreamware/graphshard/internal/typedval"
)

// ShardClient is the shard-side CDC transport: it implements
// shard.CDCEmitter over a gorilla/websocket connection to the coordinator,
// tagging every outgoing batch with a locally-incrementing sequence number.
// A Shard never imports this package directly (that would cycle back
// through shard.CDCEmitter); cmd/shard wires a *ShardClient into a Shard via
// Shard.SetEmitter.
type ShardClient struct {
	coordAddr string
	ns        ident.Namespace
	shardID   string

	mu   sync.Mutex
	conn *websocket.Conn
	seq  int64
}

// NewShardClient builds a client that will register as ns's shard once
// Connect succeeds.
func NewShardClient(coordAddr string, ns ident.Namespace) *ShardClient {
	return &ShardClient{
		coordAddr: coordAddr,
		ns:        ns,
		shardID:   ident.ShardID(ns),
	}
}

// Connect dials the coordinator's /cdc endpoint and sends a register frame.
func (c *ShardClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.coordAddr, nil)
	if err != nil {
		return fmt.Errorf("cdc client: dial %s: %w", c.coordAddr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return conn.WriteJSON(Envelope{
		Type:      MessageRegister,
		ShardID:   c.shardID,
		Namespace: c.ns.String(),
	})
}

// Close deregisters and closes the underlying connection.
func (c *ShardClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteJSON(Envelope{Type: MessageDeregister, ShardID: c.shardID})
	return conn.Close()
}

// Emit implements shard.CDCEmitter: it assigns the next sequence number and
// writes one "cdc" frame carrying every event.
func (c *ShardClient) Emit(ns ident.Namespace, events []shard.CDCEvent) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("cdc client: not connected")
	}

	wire := make([]WireEvent, len(events))
	for i, e := range events {
		wire[i] = WireEvent{
			Kind:      e.Kind,
			Subject:   e.Subject.String(),
			Predicate: e.Predicate.String(),
			Object:    objectToWireValue(e.Object),
			Timestamp: e.Timestamp,
			TxID:      e.TxID.String(),
		}
	}

	seq := atomic.AddInt64(&c.seq, 1)
	env := Envelope{
		Type:      MessageCDC,
		ShardID:   c.shardID,
		Namespace: ns.String(),
		Events:    wire,
		Sequence:  fmt.Sprintf("%d", seq),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("cdc client: not connected")
	}
	return c.conn.WriteJSON(env)
}

// objectToWireValue reduces a TypedObject to the JSON-safe scalar form the
// coordinator's WireEvent carries; the coordinator never interprets event
// payloads, only re-encodes them into GraphCol, so this mapping only needs
// to round-trip the common scalar/ref cases wireValueToObject understands.
func objectToWireValue(o typedval.TypedObject) any {
	switch o.Tag {
	case typedval.Null:
		return nil
	case typedval.Bool:
		return o.BoolValue()
	case typedval.Int32:
		return o.Int32Value()
	case typedval.Int64:
		return o.Int64Value()
	case typedval.Float64:
		return o.Float64Value()
	case typedval.String, typedval.URL:
		return o.StringValue()
	case typedval.Ref:
		return o.RefValue().String()
	default:
		return nil
	}
}
