package exec

import (
	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/typedval"
)

// decodeTriples turns the shard's wire triples back into triple.Triple,
// skipping (rather than failing on) any entry whose identifiers or object
// fail validation — a defensively-lenient stance appropriate to data the
// executor does not own and cannot repair, unlike cmd/shard's decode path
// which must reject a malformed mutation outright.
func decodeTriples(wires []wireTriple) []triple.Triple {
	out := make([]triple.Triple, 0, len(wires))
	for _, w := range wires {
		subject, err := ident.NewEntityId(w.Subject)
		if err != nil {
			continue
		}
		pred, err := ident.NewPredicate(w.Predicate)
		if err != nil {
			continue
		}
		obj, err := wireValueToObject(w.Object)
		if err != nil {
			continue
		}
		var txID ident.TransactionId
		if w.TxID != "" {
			txID, _ = ident.NewTransactionId(w.TxID)
		}
		out = append(out, triple.New(subject, pred, obj, w.Timestamp, txID))
	}
	return out
}

// wireValueToObject mirrors cmd/shard's helper of the same name: it infers
// a TypedObject from a JSON-decoded value using the same scalar/ref mapping
// so the executor's view of a shard's data matches what the shard itself
// stored.
func wireValueToObject(v any) (typedval.TypedObject, error) {
	switch val := v.(type) {
	case nil:
		return typedval.NewNullObject(), nil
	case bool:
		return typedval.NewBoolObject(val), nil
	case float64:
		if val == float64(int64(val)) {
			return typedval.NewInt64Object(int64(val)), nil
		}
		return typedval.NewFloat64Object(val), nil
	case string:
		return typedval.NewStringObject(val), nil
	case map[string]any:
		if ref, ok := val["@ref"].(string); ok {
			id, err := ident.NewEntityId(ref)
			if err != nil {
				return typedval.TypedObject{}, err
			}
			return typedval.NewRefObject(id), nil
		}
		return typedval.NewJSONObject(val), nil
	case []any:
		if refs, ok := allRefStrings(val); ok {
			ids := make([]ident.EntityId, len(refs))
			for i, r := range refs {
				id, err := ident.NewEntityId(r)
				if err != nil {
					return typedval.TypedObject{}, err
				}
				ids[i] = id
			}
			return typedval.NewRefArrayObject(ids), nil
		}
		return typedval.NewJSONObject(val), nil
	default:
		return typedval.NewJSONObject(val), nil
	}
}

func allRefStrings(v []any) ([]string, bool) {
	out := make([]string, 0, len(v))
	for _, item := range v {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		ref, ok := m["@ref"].(string)
		if !ok {
			return nil, false
		}
		out = append(out, ref)
	}
	return out, true
}
