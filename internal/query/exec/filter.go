package exec

import (
	"context"

	"github.com/dreamware/graphshard/internal/query/parser"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/typedval"
)

// evalFilterExpr evaluates f against fields (an entity's latest-per-
// predicate triples, indexed by predicate name), short-circuiting and/or
// per §4.9 ("and requires left true, or requires left false").
func evalFilterExpr(f *parser.FilterExpr, fields map[string]triple.Triple) bool {
	if f == nil {
		return true
	}
	switch f.Op {
	case parser.OpAnd:
		if !evalFilterExpr(f.Left, fields) {
			return false
		}
		return evalFilterExpr(f.Right, fields)
	case parser.OpOr:
		if evalFilterExpr(f.Left, fields) {
			return true
		}
		return evalFilterExpr(f.Right, fields)
	case parser.OpCmp:
		t, ok := fields[f.Field]
		if !ok {
			return false
		}
		return evalCmp(t.Object, f.CmpOp, valueToObject(f.Value))
	default:
		return false
	}
}

// evalCmp mirrors internal/shard's evalFilter, with one refinement: "="/"!="
// first try strict Equal, then fall back to numeric equality when both
// operands are numeric but differently tagged (e.g. INT64 vs FLOAT64) —
// the "equality... after type-narrowing" §4.9 calls for that internal/shard's
// simpler same-tag-only Filter endpoint doesn't need, since it always
// compares a scanned predicate's stored tag against itself.
func evalCmp(a typedval.TypedObject, op string, b typedval.TypedObject) bool {
	switch op {
	case "=", "!=":
		eq := a.Equal(b)
		if !eq {
			if av, aok := a.NumericValue(); aok {
				if bv, bok := b.NumericValue(); bok {
					eq = av == bv
				}
			}
		}
		if op == "!=" {
			return !eq
		}
		return eq
	case "<", "<=", ">", ">=":
		av, aok := a.NumericValue()
		bv, bok := b.NumericValue()
		if !aok || !bok {
			return false
		}
		switch op {
		case "<":
			return av < bv
		case "<=":
			return av <= bv
		case ">":
			return av > bv
		case ">=":
			return av >= bv
		}
	}
	return false
}

func valueToObject(v parser.Value) typedval.TypedObject {
	switch v.Kind {
	case parser.ValNumber:
		return typedval.NewFloat64Object(v.Num)
	case parser.ValBool:
		return typedval.NewBoolObject(v.Bool)
	default:
		return typedval.NewStringObject(v.Str)
	}
}

// indexLatest reduces a subject's triples to a predicate->triple map of the
// latest non-tombstoned value per predicate, the form filter evaluation and
// materialization both want.
func indexLatest(ts []triple.Triple) map[string]triple.Triple {
	latest := triple.LatestPerPredicate(ts)
	out := make(map[string]triple.Triple, len(latest))
	for _, t := range latest {
		out[t.Predicate.String()] = t
	}
	return out
}

// projectFields keeps $id, $type, $context plus any field named in fields,
// dropping the rest (§4.9).
func projectFields(e triple.Entity, fields []string) triple.Entity {
	if len(fields) == 0 {
		return e
	}
	keep := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	out := triple.Entity{ID: e.ID, Type: e.Type, Context: e.Context, Fields: map[string]any{}}
	for k, v := range e.Fields {
		if _, ok := keep[k]; ok {
			out.Fields[k] = v
		}
	}
	return out
}

// ExpandResult is ExpandRefs' report of how far it actually recursed.
type ExpandResult struct {
	Value           any
	ActualDepth     int
	MaxDepthReached bool
}

// Resolver fetches the materialized entity a RefMarker points to.
type Resolver func(ctx context.Context, id string) (triple.Entity, error)

// ExpandRefs recursively resolves triple.RefMarker fields of e (and
// transitively, of the entities it resolves to) up to maxDepth, per §4.9,
// returning the fields map with resolved refs substituted in place of their
// RefMarker. A REF that can't be resolved (resolver error) is left as its
// RefMarker rather than failing the whole expansion.
func ExpandRefs(ctx context.Context, e triple.Entity, resolve Resolver, maxDepth int) ExpandResult {
	result := ExpandResult{}
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = expandValue(ctx, v, resolve, maxDepth, 0, &result)
	}
	result.Value = fields
	return result
}

func expandValue(ctx context.Context, v any, resolve Resolver, maxDepth, depth int, result *ExpandResult) any {
	switch val := v.(type) {
	case triple.RefMarker:
		if depth >= maxDepth {
			result.MaxDepthReached = true
			return val
		}
		resolved, err := resolve(ctx, val.Ref)
		if err != nil {
			return val
		}
		sub := ExpandRefs(ctx, resolved, resolve, maxDepth-depth-1)
		if sub.ActualDepth+depth+1 > result.ActualDepth {
			result.ActualDepth = sub.ActualDepth + depth + 1
		}
		if sub.MaxDepthReached {
			result.MaxDepthReached = true
		}
		return map[string]any{"$id": resolved.ID, "$type": resolved.Type, "$context": resolved.Context, "fields": sub.Value}
	case []triple.RefMarker:
		out := make([]any, len(val))
		for i, r := range val {
			out[i] = expandValue(ctx, r, resolve, maxDepth, depth, result)
		}
		return out
	default:
		return val
	}
}
