// Package triple defines the Triple record — the only stored fact in the
// graph — and the Entity view materialized from a set of triples sharing a
// subject. Both the chunk store (C4) and the query executor (C9) build
// entities the same way, so that logic lives here once.
package triple

import (
	"fmt"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/typedval"
)

// Triple is the atomic fact (subject, predicate, object, timestamp, txId).
// Multiple triples may share a (subject,predicate) pair; the one with the
// greatest Timestamp is current (§3 invariant 3).
type Triple struct {
	Subject   ident.EntityId
	Predicate ident.Predicate
	Object    typedval.TypedObject
	Timestamp int64
	TxID      ident.TransactionId
}

// New constructs a Triple from already-validated parts and performs no
// checks of its own: field validity comes from the ident constructors, and
// tag/payload agreement holds by construction for any TypedObject built
// through its NewXxxObject family.
func New(subject ident.EntityId, predicate ident.Predicate, object typedval.TypedObject, timestamp int64, txID ident.TransactionId) Triple {
	return Triple{Subject: subject, Predicate: predicate, Object: object, Timestamp: timestamp, TxID: txID}
}

// TypePredicateName is the reserved predicate used to derive an entity's
// $type field.
const TypePredicateName = "$type"

// DefaultType is used when no $type triple exists for a subject.
const DefaultType = "Thing"

// RefMarker is the materialized shape of a REF value absent expansion:
// {"@ref": "<id>"}.
type RefMarker struct {
	Ref string `json:"@ref"`
}

// Entity is the materialized view of all triples sharing a subject.
type Entity struct {
	ID     string
	Type   string
	Fields map[string]any
	// Context mirrors the optional $context field; nil if absent.
	Context any
}

// Materialize builds the Entity for subject from ts (assumed to be that
// subject's triples, already filtered to latest-per-predicate and
// non-tombstoned). A predicate occurring more than once yields an ordered
// slice of its values in first-seen order.
func Materialize(subject ident.EntityId, ts []Triple) Entity {
	e := Entity{ID: subject.String(), Type: DefaultType, Fields: map[string]any{}}

	// valuesByPred preserves encounter order per predicate for stable
	// multi-valued field ordering.
	order := []string{}
	valuesByPred := map[string][]any{}

	for _, t := range ts {
		pred := t.Predicate.String()
		if pred == TypePredicateName {
			if t.Object.Tag == typedval.String {
				e.Type = t.Object.StringValue()
			}
			continue
		}
		if pred == "$context" {
			e.Context = materializeValue(t.Object)
			continue
		}
		if _, seen := valuesByPred[pred]; !seen {
			order = append(order, pred)
		}
		valuesByPred[pred] = append(valuesByPred[pred], materializeValue(t.Object))
	}

	for _, pred := range order {
		vals := valuesByPred[pred]
		if len(vals) == 1 {
			e.Fields[pred] = vals[0]
		} else {
			e.Fields[pred] = vals
		}
	}
	return e
}

// materializeValue converts a TypedObject to its materialized JSON-ish
// representation. REF values become RefMarker unless expanded separately by
// the executor's ExpandRefs.
func materializeValue(o typedval.TypedObject) any {
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
	case typedval.Binary:
		return o.BytesValue()
	case typedval.Timestamp, typedval.Date:
		return o.TimestampValue()
	case typedval.Duration:
		return o.DurationValue()
	case typedval.Ref:
		return RefMarker{Ref: o.RefValue().String()}
	case typedval.RefArray:
		refs := o.RefsValue()
		out := make([]RefMarker, len(refs))
		for i, r := range refs {
			out[i] = RefMarker{Ref: r.String()}
		}
		return out
	case typedval.JSON:
		return o.JSONValue()
	case typedval.GeoPoint:
		return o.GeoPointValue()
	case typedval.GeoPolygon:
		return o.GeoPolygonValue()
	case typedval.GeoLineString:
		return o.GeoLineStringValue()
	case typedval.Vector:
		return o.VectorValue()
	default:
		panic(fmt.Sprintf("triple: unhandled ObjectType %v", o.Tag))
	}
}

// LatestPerPredicate reduces ts (triples for a single subject, any order) to
// at most one triple per predicate: the greatest-timestamp one, with
// tombstoned predicates (NULL object at the greatest timestamp) dropped
// entirely (§3 invariant 3, §4.4 "Query").
func LatestPerPredicate(ts []Triple) []Triple {
	latest := map[string]Triple{}
	for _, t := range ts {
		pred := t.Predicate.String()
		cur, ok := latest[pred]
		if !ok || t.Timestamp > cur.Timestamp {
			latest[pred] = t
		}
	}
	out := make([]Triple, 0, len(latest))
	for _, t := range latest {
		if t.Object.IsTombstone() {
			continue
		}
		out = append(out, t)
	}
	return out
}
