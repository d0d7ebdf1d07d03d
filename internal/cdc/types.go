// Package cdc implements the change-data-capture coordinator (C10), grown
// from internal/coordinator's ShardRegistry/HealthMonitor: the same
// sync.RWMutex-guarded registration map and ticker/ctx/cancel lifecycle,
// repurposed from "which node owns which shard" to "which shard is
// registered, and what's its last acked sequence". Transport is
// gorilla/websocket carrying the JSON envelope below; durable state
// (registrations, lastSequence) lives behind an internal/kv.Store, same as
// every other durable component in this module.
package cdc

// MessageType identifies which CDC envelope variant a frame carries.
type MessageType string

const (
	MessageRegister   MessageType = "register"
	MessageDeregister MessageType = "deregister"
	MessageCDC        MessageType = "cdc"
	MessageRegistered MessageType = "registered"
	MessageAck        MessageType = "ack"
	MessageError      MessageType = "error"
)

// Envelope is the wire frame exchanged over the /cdc websocket, tagged by
// Type with the rest of the fields populated per MessageType.
type Envelope struct {
	Type MessageType `json:"type"`

	// register
	ShardID      string `json:"shardId,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
	LastSequence string `json:"lastSequence,omitempty"`

	// cdc
	Events   []WireEvent `json:"events,omitempty"`
	Sequence string      `json:"sequence,omitempty"`

	// ack
	EventsAcked int `json:"eventsAcked,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// WireEvent is the JSON-safe form of shard.CDCEvent: object payloads cross
// the wire as plain JSON values rather than the typed TypedObject
// representation; the coordinator infers a TypedObject from each value
// (decodeWireEvents) before buffering it for a GraphCol blob.
type WireEvent struct {
	Kind      string `json:"kind"`
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    any    `json:"object"`
	Timestamp int64  `json:"timestamp"`
	TxID      string `json:"txId"`
}

// ShardRegistration is the durable record the coordinator keeps per shard:
// {shardId, namespace, lastSequence, registeredAt}, persisted keyed by
// shardId and resequenced on reconnect (transport handles are ephemeral).
type ShardRegistration struct {
	ShardID      string `json:"shardId"`
	Namespace    string `json:"namespace"`
	LastSequence int64  `json:"lastSequence"`
	RegisteredAt int64  `json:"registeredAt"`
}
