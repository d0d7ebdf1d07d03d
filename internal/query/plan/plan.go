// Package plan implements the query planner (C8): it walks a parsed AST
// bottom-up into an ordered list of PlanSteps, estimates a cost, derives
// shard routing, and computes a cache key — then wraps a
// github.com/hashicorp/golang-lru/v2 cache behind the strict LRU semantics
// §9 calls for ("get and set must both promote to head; capacity checks
// happen before insert"), which the library already provides rather than a
// hand-rolled doubly linked list + map (see DESIGN.md's Open Question log).
package plan

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/query/parser"
)

// StepKind tags which operation a PlanStep performs.
type StepKind string

const (
	StepLookup   StepKind = "lookup"
	StepTraverse StepKind = "traverse"
	StepReverse  StepKind = "reverse"
	StepFilter   StepKind = "filter"
	StepExpand   StepKind = "expand"
	StepRecurse  StepKind = "recurse"
)

// DefaultMaxDepth is the recursion bound assumed by the cost model when a
// recurse step is unbounded (§4.8).
const DefaultMaxDepth = 10

// PlanStep is one ordered unit of plan execution. Only the fields relevant
// to Kind are populated.
type PlanStep struct {
	Kind      StepKind
	EntityIDs []string
	Predicate string
	Fields    []string
	Filter    *parser.FilterExpr
	MaxDepth  *int
}

// Plan is the planner's full output for one query.
type Plan struct {
	Steps         []PlanStep
	Shards        []string
	EstimatedCost float64
	CanCache      bool
	CacheKey      string
}

// Build walks ast bottom-up into an ordered Plan. The first step is always
// a lookup; every subsequent step inherits the shard of the first (§4.8:
// "single-shard queries are the primary case" — cross-shard routing is out
// of scope per spec.md §1).
func Build(ast *parser.Node) (*Plan, error) {
	steps, err := buildSteps(ast)
	if err != nil {
		return nil, err
	}
	steps = mergeAdjacentLookups(steps)

	shardID, err := shardForSteps(steps)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Steps:         steps,
		Shards:        []string{shardID},
		EstimatedCost: EstimateCost(steps),
		CanCache:      true,
		CacheKey:      parser.Stringify(ast),
	}, nil
}

func buildSteps(n *parser.Node) ([]PlanStep, error) {
	switch n.Kind {
	case parser.NodeEntity:
		ref, err := entityRef(n)
		if err != nil {
			return nil, err
		}
		return []PlanStep{{Kind: StepLookup, EntityIDs: []string{ref}}}, nil

	case parser.NodeTraverse:
		prior, err := buildSteps(n.Source)
		if err != nil {
			return nil, err
		}
		return append(prior, PlanStep{Kind: StepTraverse, Predicate: n.Predicate}), nil

	case parser.NodeReverse:
		prior, err := buildSteps(n.Source)
		if err != nil {
			return nil, err
		}
		return append(prior, PlanStep{Kind: StepReverse, Predicate: n.Predicate}), nil

	case parser.NodeFilter:
		prior, err := buildSteps(n.Source)
		if err != nil {
			return nil, err
		}
		return append(prior, PlanStep{Kind: StepFilter, Filter: n.Filter}), nil

	case parser.NodeExpand:
		prior, err := buildSteps(n.Source)
		if err != nil {
			return nil, err
		}
		return append(prior, PlanStep{Kind: StepExpand, Fields: flattenFieldNames(n.Fields)}), nil

	case parser.NodeRecurse:
		prior, err := buildSteps(n.Source)
		if err != nil {
			return nil, err
		}
		return append(prior, PlanStep{Kind: StepRecurse, Predicate: n.Predicate, MaxDepth: n.MaxDepth}), nil

	default:
		return nil, fmt.Errorf("plan: unhandled AST node kind %q", n.Kind)
	}
}

func flattenFieldNames(fields []parser.ExpandField) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

// entityRef derives the lookup-time EntityId string for an entity AST node:
// the IDENT before ':' is treated as a short-form namespace label, promoted
// to a canonical placeholder URL exactly as ident.CanonicalizeNamespace
// does, with the key value appended as the entity's path.
func entityRef(n *parser.Node) (string, error) {
	ns := ident.CanonicalizeNamespace(n.EntityType)
	key := valueString(n.EntityKey)
	id, err := ident.NewEntityId(ns.String() + key)
	if err != nil {
		return "", fmt.Errorf("plan: invalid entity reference %s:%v: %w", n.EntityType, n.EntityKey, err)
	}
	return id.String(), nil
}

func valueString(v parser.Value) string {
	switch v.Kind {
	case parser.ValNumber:
		return fmt.Sprintf("%v", v.Num)
	case parser.ValBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return v.Str
	}
}

// mergeAdjacentLookups folds consecutive lookup steps targeting the same
// shard into one step with a union of entity ids (§4.8). The grammar in
// §4.7 only ever builds one lookup per path today, so this is a no-op on
// any query this planner currently parses; it exists because correctness
// must not depend on the optimization being skipped, per §4.8's filter-
// pushdown note ("reserved as a future optimization").
func mergeAdjacentLookups(steps []PlanStep) []PlanStep {
	if len(steps) < 2 {
		return steps
	}
	out := make([]PlanStep, 0, len(steps))
	for _, s := range steps {
		if s.Kind == StepLookup && len(out) > 0 && out[len(out)-1].Kind == StepLookup {
			last := &out[len(out)-1]
			last.EntityIDs = append(last.EntityIDs, s.EntityIDs...)
			continue
		}
		out = append(out, s)
	}
	return out
}

// EstimateCost applies the additive cost model of §4.8.
func EstimateCost(steps []PlanStep) float64 {
	var cost float64
	for _, s := range steps {
		switch s.Kind {
		case StepLookup:
			cost += float64(len(s.EntityIDs))
		case StepTraverse:
			cost += 2
		case StepReverse:
			cost += 3
		case StepFilter:
			cost += 1
		case StepExpand:
			cost += 0.5 * float64(len(s.Fields))
		case StepRecurse:
			depth := DefaultMaxDepth
			if s.MaxDepth != nil {
				depth = *s.MaxDepth
			}
			cost += 5 * float64(depth)
		}
	}
	return cost
}

// shardForSteps derives the single shard this plan targets from the first
// lookup step's entity ids. All entity ids in a lookup step are assumed to
// share a namespace, which holds for every query this grammar produces (one
// primary per query).
func shardForSteps(steps []PlanStep) (string, error) {
	for _, s := range steps {
		if s.Kind != StepLookup || len(s.EntityIDs) == 0 {
			continue
		}
		id, err := ident.NewEntityId(s.EntityIDs[0])
		if err != nil {
			return "", err
		}
		ns, err := namespaceOfEntity(id)
		if err != nil {
			return "", err
		}
		return ident.ShardID(ns), nil
	}
	return "", fmt.Errorf("plan: no lookup step to derive shard routing from")
}

// namespaceOfEntity recovers the namespace portion of an entity ref built
// by entityRef: scheme://host/ with the key segment trimmed off.
func namespaceOfEntity(id ident.EntityId) (ident.Namespace, error) {
	s := id.String()
	// The host-root form ("https://host/") is itself a valid Namespace URL;
	// strip everything after the host to recover it.
	schemeEnd := indexAfter(s, "://")
	if schemeEnd < 0 {
		return ident.Namespace{}, fmt.Errorf("plan: malformed entity ref %q", s)
	}
	slash := indexFrom(s, schemeEnd, '/')
	if slash < 0 {
		return ident.NewNamespace(s + "/")
	}
	return ident.NewNamespace(s[:slash+1])
}

func indexAfter(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i + len(sub)
		}
	}
	return -1
}

func indexFrom(s string, from int, b byte) int {
	for i := from; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Cache is a process-local LRU of cache-key -> *Plan. It is not shared
// between executor processes (§5: "the plan cache is process-local... may
// be freely mutated from the single thread that owns it").
type Cache struct {
	c *lru.Cache[string, *Plan]
}

// NewCache builds a Cache with room for capacity entries.
func NewCache(capacity int) (*Cache, error) {
	c, err := lru.New[string, *Plan](capacity)
	if err != nil {
		return nil, fmt.Errorf("plan: new LRU cache: %w", err)
	}
	return &Cache{c: c}, nil
}

// Get looks up key, promoting it to most-recently-used on a hit (counts as
// a use, per §4.8).
func (pc *Cache) Get(key string) (*Plan, bool) {
	return pc.c.Get(key)
}

// Set inserts or replaces key's plan, promoting it to most-recently-used.
// Eviction of the least-recently-used entry happens before insert when at
// capacity; golang-lru/v2 guarantees this internally.
func (pc *Cache) Set(key string, p *Plan) {
	pc.c.Add(key, p)
}

// Invalidate clears every cached plan; schema/DDL changes must call this.
func (pc *Cache) Invalidate() {
	pc.c.Purge()
}

// Len reports the current number of cached plans.
func (pc *Cache) Len() int { return pc.c.Len() }
