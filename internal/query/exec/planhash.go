package exec

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/dreamware/graphshard/internal/query/parser"
	"github.com/dreamware/graphshard/internal/query/plan"
)

// PlanHash computes the deterministic, order- and shape-independent hash
// §4.9 requires for cursor binding: entity-id and field arrays are sorted
// before serialization, filter trees are serialized with fixed key order,
// and an absent optional (nil Filter, nil MaxDepth) canonicalizes identically
// to one that is explicitly empty, per §9's Open Question resolution.
func PlanHash(p *plan.Plan) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonicalizePlan(p)))
	return h.Sum64()
}

func canonicalizePlan(p *plan.Plan) string {
	var sb strings.Builder
	for _, step := range p.Steps {
		sb.WriteString(canonicalizeStep(step))
		sb.WriteByte(';')
	}
	return sb.String()
}

func canonicalizeStep(s plan.PlanStep) string {
	ids := append([]string(nil), s.EntityIDs...)
	sort.Strings(ids)
	fields := append([]string(nil), s.Fields...)
	sort.Strings(fields)

	depth := "none"
	if s.MaxDepth != nil {
		depth = strconv.Itoa(*s.MaxDepth)
	}

	return fmt.Sprintf("kind=%s|ids=%s|pred=%s|fields=%s|filter=%s|depth=%s",
		s.Kind, strings.Join(ids, ","), s.Predicate, strings.Join(fields, ","),
		canonicalizeFilter(s.Filter), depth)
}

func canonicalizeFilter(f *parser.FilterExpr) string {
	if f == nil {
		return ""
	}
	switch f.Op {
	case parser.OpAnd:
		return "(and," + canonicalizeFilter(f.Left) + "," + canonicalizeFilter(f.Right) + ")"
	case parser.OpOr:
		return "(or," + canonicalizeFilter(f.Left) + "," + canonicalizeFilter(f.Right) + ")"
	case parser.OpCmp:
		return fmt.Sprintf("(cmp,%s,%s,%s)", f.Field, f.CmpOp, canonicalizeValue(f.Value))
	default:
		return ""
	}
}

func canonicalizeValue(v parser.Value) string {
	switch v.Kind {
	case parser.ValNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case parser.ValBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return v.Str
	}
}
