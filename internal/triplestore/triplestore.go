// Package triplestore implements C5: an indexed, subject/predicate-keyed
// view over triple history, built on the same internal/kv.Store primitive
// as C4. It keeps a secondary in-memory index over the store's keys so
// subject/predicate lookups and bulk multi-subject fetches are O(1)
// map access rather than a linear List() scan, without requiring kv.Store
// itself to support range queries.
package triplestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/kv"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/typedval"
)

const rowKeyPrefix = "row:"

// row is the JSON-serializable wire form of a single version row.
type row struct {
	Subject   string    `json:"subject"`
	Predicate string    `json:"predicate"`
	Timestamp int64     `json:"timestamp"`
	TxID      string    `json:"txId"`
	Object    objectWire `json:"object"`
}

// objectWire is a JSON-friendly projection of typedval.TypedObject: exactly
// one field is populated, selected by Tag, mirroring the sum-type
// discipline TypedObject itself enforces at construction time.
type objectWire struct {
	Tag     int                 `json:"tag"`
	Bool    *bool               `json:"bool,omitempty"`
	Int32   *int32              `json:"int32,omitempty"`
	Int64   *int64              `json:"int64,omitempty"`
	Float64 *float64            `json:"float64,omitempty"`
	Str     *string             `json:"str,omitempty"`
	Bin     []byte              `json:"bin,omitempty"`
	Ref     *string             `json:"ref,omitempty"`
	Refs    []string            `json:"refs,omitempty"`
	JSON    json.RawMessage     `json:"json,omitempty"`
	Point   *typedval.Point     `json:"point,omitempty"`
	Polygon *typedval.Polygon   `json:"polygon,omitempty"`
	Line    *typedval.LineString `json:"line,omitempty"`
	Vector  []float64           `json:"vector,omitempty"`
}

func marshalObject(o typedval.TypedObject) (objectWire, error) {
	w := objectWire{Tag: int(o.Tag)}
	switch o.Tag {
	case typedval.Null:
	case typedval.Bool:
		v := o.BoolValue()
		w.Bool = &v
	case typedval.Int32:
		v := o.Int32Value()
		w.Int32 = &v
	case typedval.Int64:
		v := o.Int64Value()
		w.Int64 = &v
	case typedval.Float64:
		v := o.Float64Value()
		w.Float64 = &v
	case typedval.String, typedval.URL:
		v := o.StringValue()
		w.Str = &v
	case typedval.Binary:
		w.Bin = o.BytesValue()
	case typedval.Timestamp, typedval.Date:
		v := o.TimestampValue()
		w.Int64 = &v
	case typedval.Duration:
		v := o.DurationValue()
		w.Int64 = &v
	case typedval.Ref:
		v := o.RefValue().String()
		w.Ref = &v
	case typedval.RefArray:
		refs := o.RefsValue()
		ids := make([]string, len(refs))
		for i, r := range refs {
			ids[i] = r.String()
		}
		w.Refs = ids
	case typedval.JSON:
		data, err := json.Marshal(o.JSONValue())
		if err != nil {
			return objectWire{}, err
		}
		w.JSON = data
	case typedval.GeoPoint:
		p := o.GeoPointValue()
		w.Point = &p
	case typedval.GeoPolygon:
		p := o.GeoPolygonValue()
		w.Polygon = &p
	case typedval.GeoLineString:
		l := o.GeoLineStringValue()
		w.Line = &l
	case typedval.Vector:
		w.Vector = o.VectorValue()
	default:
		return objectWire{}, fmt.Errorf("triplestore: unknown object tag %v", o.Tag)
	}
	return w, nil
}

func unmarshalObject(w objectWire) (typedval.TypedObject, error) {
	tag := typedval.ObjectType(w.Tag)
	switch tag {
	case typedval.Null:
		return typedval.NewNullObject(), nil
	case typedval.Bool:
		return typedval.NewBoolObject(*w.Bool), nil
	case typedval.Int32:
		return typedval.NewInt32Object(*w.Int32), nil
	case typedval.Int64:
		return typedval.NewInt64Object(*w.Int64), nil
	case typedval.Float64:
		return typedval.NewFloat64Object(*w.Float64), nil
	case typedval.String:
		return typedval.NewStringObject(*w.Str), nil
	case typedval.URL:
		return typedval.NewURLObject(*w.Str), nil
	case typedval.Binary:
		return typedval.NewBinaryObject(w.Bin), nil
	case typedval.Timestamp:
		return typedval.NewTimestampObject(*w.Int64), nil
	case typedval.Date:
		return typedval.NewDateObject(*w.Int64), nil
	case typedval.Duration:
		return typedval.NewDurationObject(*w.Int64), nil
	case typedval.Ref:
		id, err := ident.NewEntityId(*w.Ref)
		if err != nil {
			return typedval.TypedObject{}, err
		}
		return typedval.NewRefObject(id), nil
	case typedval.RefArray:
		ids := make([]ident.EntityId, len(w.Refs))
		for i, s := range w.Refs {
			id, err := ident.NewEntityId(s)
			if err != nil {
				return typedval.TypedObject{}, err
			}
			ids[i] = id
		}
		return typedval.NewRefArrayObject(ids), nil
	case typedval.JSON:
		var v any
		if err := json.Unmarshal(w.JSON, &v); err != nil {
			return typedval.TypedObject{}, err
		}
		return typedval.NewJSONObject(v), nil
	case typedval.GeoPoint:
		return typedval.NewGeoPointObject(*w.Point)
	case typedval.GeoPolygon:
		return typedval.NewGeoPolygonObject(*w.Polygon)
	case typedval.GeoLineString:
		return typedval.NewGeoLineStringObject(*w.Line)
	case typedval.Vector:
		return typedval.NewVectorObject(w.Vector), nil
	default:
		return typedval.TypedObject{}, fmt.Errorf("triplestore: unknown object tag %d", w.Tag)
	}
}

// TripleStore indexes triple version rows by subject so S/P-style access
// patterns ("latest value of this predicate", "every current predicate for
// this subject") don't require scanning the whole backing store.
type TripleStore struct {
	mu    sync.RWMutex
	store kv.Store

	// rowKeys indexes every row key ever written, grouped by subject, so
	// GetAllVersions can recover full history without a linear List() scan.
	rowKeys map[string][]string

	// latest caches the highest-timestamp row per subject+predicate seen so
	// far (including tombstones) so the hot path for "current value" never
	// touches the backing store after the index is warm.
	latest map[string]map[string]triple.Triple
}

// New builds a TripleStore over store, replaying any existing row:-prefixed
// keys to rebuild the secondary index (the "open" path spec.md's Open
// Questions call out: the index is derived, never itself the source of
// truth).
func New(store kv.Store) (*TripleStore, error) {
	ts := &TripleStore{
		store:   store,
		rowKeys: make(map[string][]string),
		latest:  make(map[string]map[string]triple.Triple),
	}
	for _, key := range store.ListPrefix(rowKeyPrefix) {
		data, err := store.Get(key)
		if err != nil {
			continue
		}
		t, err := decodeRow(data)
		if err != nil {
			return nil, fmt.Errorf("triplestore: corrupt row %q: %w", key, err)
		}
		ts.indexLocked(key, t)
	}
	return ts, nil
}

func rowKey(subject ident.EntityId, predicate ident.Predicate, timestamp int64) string {
	// %020d zero-pads non-negative millisecond timestamps so lexicographic
	// key order matches numeric timestamp order.
	return fmt.Sprintf("%s%s\x00%s\x00%020d", rowKeyPrefix, subject.String(), predicate.String(), timestamp)
}

func encodeRow(t triple.Triple) ([]byte, error) {
	w, err := marshalObject(t.Object)
	if err != nil {
		return nil, fmt.Errorf("triplestore: marshal object: %w", err)
	}
	r := row{
		Subject:   t.Subject.String(),
		Predicate: t.Predicate.String(),
		Timestamp: t.Timestamp,
		TxID:      t.TxID.String(),
		Object:    w,
	}
	return json.Marshal(r)
}

func decodeRow(data []byte) (triple.Triple, error) {
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return triple.Triple{}, err
	}
	subject, err := ident.NewEntityId(r.Subject)
	if err != nil {
		return triple.Triple{}, err
	}
	predicate, err := ident.NewPredicate(r.Predicate)
	if err != nil {
		return triple.Triple{}, err
	}
	txID, err := ident.NewTransactionId(r.TxID)
	if err != nil {
		return triple.Triple{}, err
	}
	obj, err := unmarshalObject(r.Object)
	if err != nil {
		return triple.Triple{}, err
	}
	return triple.New(subject, predicate, obj, r.Timestamp, txID), nil
}

// Write persists a new version row and updates the secondary index. The
// row key is built from subject, predicate and timestamp, so a second write
// with the same subject+predicate+timestamp replaces the earlier row in the
// backing store instead of adding a version; timestamps come from the
// caller and are not checked for uniqueness.
func (ts *TripleStore) Write(t triple.Triple) error {
	data, err := encodeRow(t)
	if err != nil {
		return err
	}
	key := rowKey(t.Subject, t.Predicate, t.Timestamp)
	if err := ts.store.Put(key, data); err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.indexLocked(key, t)
	return nil
}

// indexLocked must be called with mu held (or during New, before ts is
// shared).
func (ts *TripleStore) indexLocked(key string, t triple.Triple) {
	subj := t.Subject.String()
	ts.rowKeys[subj] = append(ts.rowKeys[subj], key)

	byPred, ok := ts.latest[subj]
	if !ok {
		byPred = make(map[string]triple.Triple)
		ts.latest[subj] = byPred
	}
	pred := t.Predicate.String()
	if cur, ok := byPred[pred]; !ok || t.Timestamp >= cur.Timestamp {
		byPred[pred] = t
	}
}

// GetLatestTriple returns the highest-timestamp row for subject+predicate,
// including tombstones (callers that want "current value" must check
// IsTombstone themselves; callers auditing history want the tombstone
// visible).
func (ts *TripleStore) GetLatestTriple(subject ident.EntityId, predicate ident.Predicate) (triple.Triple, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	byPred, ok := ts.latest[subject.String()]
	if !ok {
		return triple.Triple{}, false
	}
	t, ok := byPred[predicate.String()]
	return t, ok
}

// GetCurrentTriples returns one (non-tombstoned) triple per predicate
// currently known for subject.
func (ts *TripleStore) GetCurrentTriples(subject ident.EntityId) []triple.Triple {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	byPred, ok := ts.latest[subject.String()]
	if !ok {
		return nil
	}
	out := make([]triple.Triple, 0, len(byPred))
	for _, t := range byPred {
		if t.Object.IsTombstone() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// GetTriplesForMultipleSubjects performs one pass over the secondary index
// to fetch current triples for every subject in subjects — no per-subject
// round trip to the backing store.
func (ts *TripleStore) GetTriplesForMultipleSubjects(subjects []ident.EntityId) map[string][]triple.Triple {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make(map[string][]triple.Triple, len(subjects))
	for _, s := range subjects {
		byPred, ok := ts.latest[s.String()]
		if !ok {
			continue
		}
		triples := make([]triple.Triple, 0, len(byPred))
		for _, t := range byPred {
			if t.Object.IsTombstone() {
				continue
			}
			triples = append(triples, t)
		}
		if len(triples) > 0 {
			out[s.String()] = triples
		}
	}
	return out
}

// GetAllVersions returns every version ever written for subject+predicate,
// oldest first, by resolving the subject's row-key index and reading each
// row from the backing store.
func (ts *TripleStore) GetAllVersions(subject ident.EntityId, predicate ident.Predicate) ([]triple.Triple, error) {
	ts.mu.RLock()
	keys := append([]string(nil), ts.rowKeys[subject.String()]...)
	ts.mu.RUnlock()

	predStr := predicate.String()
	prefix := rowKeyPrefix + subject.String() + "\x00" + predStr + "\x00"
	var matching []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matching = append(matching, k)
		}
	}
	sort.Strings(matching)

	out := make([]triple.Triple, 0, len(matching))
	for _, k := range matching {
		data, err := ts.store.Get(k)
		if err != nil {
			continue
		}
		t, err := decodeRow(data)
		if err != nil {
			return nil, fmt.Errorf("triplestore: corrupt row %q: %w", k, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ScanByPredicate returns every current (non-tombstoned) triple across all
// subjects that carries predicate. Used by the shard actor's filter
// operation, which has no dedicated secondary index and falls back to a
// full scan of the subject index — acceptable because this
// store is partitioned per shard, so the scan is bounded by one shard's
// data, not the whole graph.
func (ts *TripleStore) ScanByPredicate(predicate ident.Predicate) []triple.Triple {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	predStr := predicate.String()
	var out []triple.Triple
	for _, byPred := range ts.latest {
		t, ok := byPred[predStr]
		if !ok || t.Object.IsTombstone() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FindReferencing returns every subject whose current value for predicate
// is a REF or REF_ARRAY containing target, supporting reverse traversal.
func (ts *TripleStore) FindReferencing(predicate ident.Predicate, target ident.EntityId) []ident.EntityId {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	predStr := predicate.String()
	targetStr := target.String()
	var out []ident.EntityId
	for subj, byPred := range ts.latest {
		t, ok := byPred[predStr]
		if !ok || t.Object.IsTombstone() {
			continue
		}
		switch t.Object.Tag {
		case typedval.Ref:
			if t.Object.RefValue().String() == targetStr {
				id, err := ident.NewEntityId(subj)
				if err == nil {
					out = append(out, id)
				}
			}
		case typedval.RefArray:
			for _, r := range t.Object.RefsValue() {
				if r.String() == targetStr {
					id, err := ident.NewEntityId(subj)
					if err == nil {
						out = append(out, id)
					}
					break
				}
			}
		}
	}
	return out
}

// Stats reports index size for admin/monitoring use.
type Stats struct {
	SubjectCount int
	RowCount     int
}

// Stats returns a point-in-time summary of the secondary index.
func (ts *TripleStore) Stats() Stats {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	rows := 0
	for _, keys := range ts.rowKeys {
		rows += len(keys)
	}
	return Stats{SubjectCount: len(ts.latest), RowCount: rows}
}
