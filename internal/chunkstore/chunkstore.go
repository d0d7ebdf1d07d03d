// Package chunkstore implements the append-then-seal BLOB engine (C4): an
// in-memory write buffer that periodically seals into immutable,
// GraphCol-encoded chunk rows, plus query-over-chunks and compaction. See
// SPEC_FULL.md C4.
package chunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/graphshard/internal/bloom"
	"github.com/dreamware/graphshard/internal/graphcol"
	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/kv"
	"github.com/dreamware/graphshard/internal/objectstore"
	"github.com/dreamware/graphshard/internal/triple"
)

// Tuning constants, per SPEC_FULL.md C4.
const (
	TargetBufferSize          = 50_000
	MinChunkSizeForCompaction = 10_000
	MinChunksForCompaction    = 3
)

const (
	chunkKeyPrefix = "chunk:"
	bloomKeyPrefix = "bloom:"
)

// ChunkRecord is the durable, immutable record persisted for a sealed
// chunk, matching §3's Chunk type.
type ChunkRecord struct {
	ID           string `json:"id"`
	Namespace    string `json:"namespace"`
	TripleCount  int    `json:"tripleCount"`
	MinTimestamp int64  `json:"minTimestamp"`
	MaxTimestamp int64  `json:"maxTimestamp"`
	Payload      []byte `json:"payload"`
	SizeBytes    int    `json:"sizeBytes"`
	CreatedAt    int64  `json:"createdAt"` // unix millis
}

// ChunkStore owns one namespace's in-memory write buffer and its table of
// sealed chunk rows. All durable writes (Flush/ForceFlush/Compact) happen
// through the row-oriented kv.Store; Write itself never touches it.
type ChunkStore struct {
	mu        sync.Mutex
	buffer    []triple.Triple
	namespace ident.Namespace
	store     kv.Store
	nowMillis func() int64
	newUUID   func() string
}

// New constructs a ChunkStore for namespace ns backed by store.
func New(ns ident.Namespace, store kv.Store) *ChunkStore {
	return &ChunkStore{
		namespace: ns,
		store:     store,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
		newUUID:   func() string { return uuid.NewString() },
	}
}

// Write appends triples to the in-memory buffer. This is the only
// synchronous write path; it never touches durable storage (§4.4).
func (c *ChunkStore) Write(triples ...triple.Triple) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, triples...)
}

// BufferLen returns the number of triples currently buffered, used by the
// shard actor to decide when to call Flush.
func (c *ChunkStore) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Flush seals the buffer into a new chunk row if it is non-empty. It is a
// no-op on an empty buffer; use ForceFlush to seal an empty buffer anyway
// (harmless, but never required).
func (c *ChunkStore) Flush() (*ChunkRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) == 0 {
		return nil, nil
	}
	return c.sealLocked(c.buffer)
}

// ForceFlush seals the buffer unconditionally (even if empty, producing a
// zero-triple chunk) and is used by admin/maintenance paths that want a
// durability checkpoint regardless of buffer size.
func (c *ChunkStore) ForceFlush() (*ChunkRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealLocked(c.buffer)
}

// sealLocked must be called with mu held. It encodes triples into a
// GraphCol frame, computes min/max timestamp in a single pass, persists one
// chunk row plus its bloom sidecar, and clears the buffer.
func (c *ChunkStore) sealLocked(triples []triple.Triple) (*ChunkRecord, error) {
	payload, err := graphcol.Encode(triples, c.namespace)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: encode: %w", err)
	}

	var minTS, maxTS int64
	if len(triples) > 0 {
		minTS, maxTS = triples[0].Timestamp, triples[0].Timestamp
		for _, t := range triples[1:] {
			if t.Timestamp < minTS {
				minTS = t.Timestamp
			}
			if t.Timestamp > maxTS {
				maxTS = t.Timestamp
			}
		}
	}

	chunkID := fmt.Sprintf("%x-%s", c.nowMillis(), strings.ReplaceAll(c.newUUID(), "-", "")[:12])
	rec := &ChunkRecord{
		ID:           chunkID,
		Namespace:    c.namespace.String(),
		TripleCount:  len(triples),
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
		Payload:      payload,
		SizeBytes:    len(payload),
		CreatedAt:    c.nowMillis(),
	}

	if err := c.putChunk(rec); err != nil {
		return nil, err
	}
	if err := c.putBloomSidecar(chunkID, triples); err != nil {
		return nil, err
	}

	c.buffer = c.buffer[:0]
	return rec, nil
}

func (c *ChunkStore) putChunk(rec *ChunkRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("chunkstore: marshal chunk record: %w", err)
	}
	return c.store.Put(c.chunkKey(rec.ID), data)
}

func (c *ChunkStore) putBloomSidecar(chunkID string, triples []triple.Triple) error {
	f := bloom.New(len(triples)+1, 0.01)
	for _, t := range triples {
		f.Add([]byte(t.Subject.String()))
	}
	data, err := f.MarshalBinary()
	if err != nil {
		return fmt.Errorf("chunkstore: marshal bloom sidecar: %w", err)
	}
	return c.store.Put(c.bloomKey(chunkID), data)
}

func (c *ChunkStore) chunkKey(chunkID string) string {
	return chunkKeyPrefix + c.namespace.String() + ":" + chunkID
}

func (c *ChunkStore) bloomKey(chunkID string) string {
	return bloomKeyPrefix + c.namespace.String() + ":" + chunkID
}

// listChunkRows returns this namespace's chunk rows sorted by CreatedAt
// descending (newest first), matching §4.4's query scan order.
func (c *ChunkStore) listChunkRows() ([]*ChunkRecord, error) {
	prefix := chunkKeyPrefix + c.namespace.String() + ":"
	var recs []*ChunkRecord
	for _, key := range c.store.ListPrefix(prefix) {
		data, err := c.store.Get(key)
		if err != nil {
			continue
		}
		var rec ChunkRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("chunkstore: corrupt chunk row %q: %w", key, err)
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt > recs[j].CreatedAt })
	return recs, nil
}

// Query returns the current (latest, non-tombstoned) triple per predicate
// for subject, scanning the in-memory buffer first (newest) and then the
// chunk table newest-first, per §4.4.
func (c *ChunkStore) Query(subject ident.EntityId) ([]triple.Triple, error) {
	c.mu.Lock()
	bufferCopy := append([]triple.Triple(nil), c.buffer...)
	c.mu.Unlock()

	var candidates []triple.Triple
	for _, t := range bufferCopy {
		if t.Subject.String() == subject.String() {
			candidates = append(candidates, t)
		}
	}

	rows, err := c.listChunkRows()
	if err != nil {
		return nil, err
	}
	subjectKey := []byte(subject.String())
	for _, rec := range rows {
		if f, err := c.loadBloom(rec.ID); err == nil && f != nil {
			if !f.MightContain(subjectKey) {
				continue
			}
		}
		triples, _, err := graphcol.Decode(rec.Payload)
		if err != nil {
			// A corrupt chunk is fatal for that chunk only (§7); skip and
			// continue scanning older chunks.
			continue
		}
		for _, t := range triples {
			if t.Subject.String() == subject.String() {
				candidates = append(candidates, t)
			}
		}
	}

	return triple.LatestPerPredicate(candidates), nil
}

func (c *ChunkStore) loadBloom(chunkID string) (*bloom.Filter, error) {
	data, err := c.store.Get(c.bloomKey(chunkID))
	if err != nil {
		return nil, err
	}
	var f bloom.Filter
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListChunks returns metadata for every sealed chunk in this namespace,
// newest first.
func (c *ChunkStore) ListChunks() ([]*ChunkRecord, error) {
	return c.listChunkRows()
}

// GetChunk returns a single chunk's full record, including its GraphCol
// payload, or kv.ErrKeyNotFound.
func (c *ChunkStore) GetChunk(chunkID string) (*ChunkRecord, error) {
	data, err := c.store.Get(c.chunkKey(chunkID))
	if err != nil {
		return nil, err
	}
	var rec ChunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("chunkstore: corrupt chunk row %q: %w", chunkID, err)
	}
	return &rec, nil
}

// DeleteChunk removes a chunk row and its bloom sidecar.
func (c *ChunkStore) DeleteChunk(chunkID string) error {
	if err := c.store.Delete(c.chunkKey(chunkID)); err != nil {
		return err
	}
	return c.store.Delete(c.bloomKey(chunkID))
}

// Stats summarizes this namespace's chunk table for admin/monitoring.
type Stats struct {
	ChunkCount  int
	TripleCount int
	TotalBytes  int
	BufferLen   int
}

// ChunkStats returns summary counts across all sealed chunks plus the
// current buffer length.
func (c *ChunkStore) ChunkStats() (Stats, error) {
	rows, err := c.listChunkRows()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ChunkCount: len(rows), BufferLen: c.BufferLen()}
	for _, r := range rows {
		st.TripleCount += r.TripleCount
		st.TotalBytes += r.SizeBytes
	}
	return st, nil
}

// Compact selects chunks with TripleCount < MinChunkSizeForCompaction; if at
// least MinChunksForCompaction such chunks exist, it decodes them all, sorts
// all contained triples by timestamp ascending, partitions into runs of
// TargetBufferSize, re-encodes each run as a new chunk, and only then
// deletes the source rows (§4.4: sources are deleted strictly after all new
// rows are durable, so a crash mid-compaction leaves at worst duplicated
// data, never lost data).
func (c *ChunkStore) Compact() (bool, error) {
	rows, err := c.listChunkRows()
	if err != nil {
		return false, err
	}

	var small []*ChunkRecord
	for _, r := range rows {
		if r.TripleCount < MinChunkSizeForCompaction {
			small = append(small, r)
		}
	}
	if len(small) < MinChunksForCompaction {
		return false, nil
	}

	var all []triple.Triple
	for _, r := range small {
		triples, _, err := graphcol.Decode(r.Payload)
		if err != nil {
			return false, fmt.Errorf("chunkstore: compact decode %q: %w", r.ID, err)
		}
		all = append(all, triples...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })

	c.mu.Lock()
	defer c.mu.Unlock()

	var newRecs []*ChunkRecord
	for start := 0; start < len(all); start += TargetBufferSize {
		end := start + TargetBufferSize
		if end > len(all) {
			end = len(all)
		}
		rec, err := c.sealRunLocked(all[start:end])
		if err != nil {
			return false, err
		}
		newRecs = append(newRecs, rec)
	}

	// Only after every new chunk is durable do we remove the sources.
	for _, r := range small {
		if err := c.DeleteChunk(r.ID); err != nil {
			return false, fmt.Errorf("chunkstore: delete source chunk %q after compaction: %w", r.ID, err)
		}
	}
	_ = newRecs
	return true, nil
}

// sealRunLocked is Compact's variant of sealLocked: it writes a new chunk
// row for an already-sorted run without touching the live write buffer.
func (c *ChunkStore) sealRunLocked(run []triple.Triple) (*ChunkRecord, error) {
	payload, err := graphcol.Encode(run, c.namespace)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: compact encode: %w", err)
	}
	var minTS, maxTS int64
	if len(run) > 0 {
		minTS, maxTS = run[0].Timestamp, run[0].Timestamp
		for _, t := range run[1:] {
			if t.Timestamp < minTS {
				minTS = t.Timestamp
			}
			if t.Timestamp > maxTS {
				maxTS = t.Timestamp
			}
		}
	}
	chunkID := fmt.Sprintf("%x-%s", c.nowMillis(), strings.ReplaceAll(c.newUUID(), "-", "")[:12])
	rec := &ChunkRecord{
		ID:           chunkID,
		Namespace:    c.namespace.String(),
		TripleCount:  len(run),
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
		Payload:      payload,
		SizeBytes:    len(payload),
		CreatedAt:    c.nowMillis(),
	}
	if err := c.putChunk(rec); err != nil {
		return nil, err
	}
	if err := c.putBloomSidecar(chunkID, run); err != nil {
		return nil, err
	}
	return rec, nil
}

// ManifestPath returns the namespace manifest key ({reversed}/_manifest.json,
// §6) this chunk store's owning caller should publish to the object store
// after a successful compaction or flush.
func (c *ChunkStore) ManifestPath(reversedNamespacePath string) string {
	return reversedNamespacePath + "/_manifest.json"
}

// ManifestEntry is one chunk's metadata as published in the namespace
// manifest: everything a lakehouse reader needs to decide whether to fetch
// the chunk blob, without the payload itself.
type ManifestEntry struct {
	ID           string `json:"id"`
	TripleCount  int    `json:"tripleCount"`
	MinTimestamp int64  `json:"minTimestamp"`
	MaxTimestamp int64  `json:"maxTimestamp"`
	SizeBytes    int    `json:"sizeBytes"`
	CreatedAt    int64  `json:"createdAt"`
}

// Manifest is the namespace manifest document published at
// {reversed}/_manifest.json. Published manifests are immutable once written
// for a given UpdatedAt; readers must treat them as point-in-time snapshots.
type Manifest struct {
	Namespace   string          `json:"namespace"`
	ChunkCount  int             `json:"chunkCount"`
	TripleCount int             `json:"tripleCount"`
	Chunks      []ManifestEntry `json:"chunks"`
	UpdatedAt   int64           `json:"updatedAt"`
}

// Manifest builds the current manifest snapshot from the sealed chunk table.
func (c *ChunkStore) Manifest() (Manifest, error) {
	rows, err := c.listChunkRows()
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		Namespace: c.namespace.String(),
		Chunks:    make([]ManifestEntry, 0, len(rows)),
		UpdatedAt: c.nowMillis(),
	}
	for _, r := range rows {
		m.ChunkCount++
		m.TripleCount += r.TripleCount
		m.Chunks = append(m.Chunks, ManifestEntry{
			ID:           r.ID,
			TripleCount:  r.TripleCount,
			MinTimestamp: r.MinTimestamp,
			MaxTimestamp: r.MaxTimestamp,
			SizeBytes:    r.SizeBytes,
			CreatedAt:    r.CreatedAt,
		})
	}
	return m, nil
}

// PublishManifest writes the current manifest to objects under the
// namespace's reversed-domain path. cmd/shard's compact handler calls it
// after a successful compaction; a flush does not publish the manifest.
func (c *ChunkStore) PublishManifest(ctx context.Context, objects objectstore.ObjectStore) error {
	m, err := c.Manifest()
	if err != nil {
		return err
	}
	reversed, err := ident.ReversedNamespacePath(c.namespace)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("chunkstore: marshal manifest: %w", err)
	}
	return objects.Put(ctx, c.ManifestPath(reversed), data)
}

// ErrKeyNotFound re-exports kv.ErrKeyNotFound for callers that only import
// chunkstore.
var ErrKeyNotFound = kv.ErrKeyNotFound
