// Package shard is the storage actor for one namespace: it composes
// internal/chunkstore and internal/triplestore and emits CDC events through
// an injected internal/cdc transport. It does not serialize mutating
// requests itself; the two stores lock internally.
package shard
