package exec

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/query/plan"
	"github.com/dreamware/graphshard/internal/triple"
)

// MaxPathDepth is the absolute recursion cap no StepRecurse may exceed,
// regardless of what a query's depth filter requests (§4.9, §5).
const MaxPathDepth = 100

// DefaultTraversalTimeout is the default wall-clock budget for a single
// Run call; exceeding it yields a partial result, not an error (§4.9, §5).
const DefaultTraversalTimeout = 30 * time.Second

// RunOptions configures one Executor.Run call.
type RunOptions struct {
	// MaxResults caps the number of entities returned; 0 means "use the
	// package default" (DefaultMaxResults).
	MaxResults int
	// Cursor, if non-empty, resumes a prior paginated call; it must have
	// been minted from a Run of the same plan (checked via PlanHash).
	Cursor string
	// Timeout overrides DefaultTraversalTimeout; 0 means use the default.
	Timeout time.Duration
	// ExpandDepth bounds how deep ExpandRefs recurses on each returned
	// entity, whatever the plan's steps; 0 means no ref expansion is attempted.
	ExpandDepth int
}

// DefaultMaxResults is applied when RunOptions.MaxResults is 0.
const DefaultMaxResults = 100

// Result is one page of a Run call's output.
type Result struct {
	Entities []triple.Entity
	HasMore  bool
	Cursor   string
	// TimedOut reports whether MAX_TRAVERSAL_TIME_MS was hit before the
	// plan's steps fully completed; the returned entities are whatever had
	// already been discovered (§4.9's partial-result-on-timeout rule).
	TimedOut bool
}

// Executor drives a Plan's steps against shard HTTP endpoints via a Client.
type Executor struct {
	client *Client
}

// NewExecutor builds an Executor that calls out through client.
func NewExecutor(client *Client) *Executor {
	return &Executor{client: client}
}

// Run executes p's steps in order, applies pagination, and materializes the
// surviving entities. It never returns a timeout as an error: a deadline
// crossed between steps, or one that makes a shard call inside a step fail,
// ends the step loop and sets Result.TimedOut, and the result holds what
// had been collected so far. Between steps the deadline is checked before a
// step starts, so a step's visited/frontier updates are never split (§5).
func (ex *Executor) Run(ctx context.Context, p *plan.Plan, opts RunOptions) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTraversalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	startOffset := 0
	planHash := PlanHash(p)
	if opts.Cursor != "" {
		state, err := DecodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		if err := ValidateCursor(state, planHash, time.Now()); err != nil {
			return nil, err
		}
		startOffset = state.Offset
	}

	if len(p.Shards) == 0 {
		return nil, fmt.Errorf("exec: plan has no shard to route to")
	}
	shardID := p.Shards[0]

	run := &runState{
		triplesBySubject: map[string][]triple.Triple{},
		visited:          map[string]struct{}{},
	}

	var projectionFields []string
	timedOut := false

stepLoop:
	for _, step := range p.Steps {
		select {
		case <-ctx.Done():
			timedOut = true
			break stepLoop
		default:
		}

		var stepErr error
		switch step.Kind {
		case plan.StepLookup:
			stepErr = ex.runLookup(ctx, shardID, step, run)
		case plan.StepTraverse:
			stepErr = ex.runTraverse(ctx, shardID, step, run, "outgoing")
		case plan.StepReverse:
			stepErr = ex.runTraverse(ctx, shardID, step, run, "incoming")
		case plan.StepFilter:
			run.frontier = applyFilter(step, run)
		case plan.StepExpand:
			projectionFields = step.Fields
		case plan.StepRecurse:
			var hitTimeout bool
			hitTimeout, stepErr = ex.runRecurse(ctx, shardID, step, run)
			if stepErr == nil && hitTimeout {
				timedOut = true
				break stepLoop
			}
		}
		if stepErr != nil {
			if ctx.Err() != nil {
				timedOut = true
				break stepLoop
			}
			return nil, stepErr
		}
	}

	ids := dedupe(run.frontier)
	sort.Strings(ids)

	window := ids
	hasMore := false
	if startOffset < len(window) {
		window = window[startOffset:]
	} else {
		window = nil
	}
	if len(window) > maxResults {
		window = window[:maxResults]
		hasMore = true
	}

	entities := make([]triple.Entity, 0, len(window))
	for _, id := range window {
		ts := run.triplesBySubject[id]
		eid, err := ident.NewEntityId(id)
		if err != nil {
			continue
		}
		e := triple.Materialize(eid, indexLatestTriples(ts))
		if len(projectionFields) > 0 {
			e = projectFields(e, projectionFields)
		}
		if opts.ExpandDepth > 0 {
			expanded := ExpandRefs(ctx, e, ex.resolver(shardID), opts.ExpandDepth)
			e.Fields, _ = expanded.Value.(map[string]any)
		}
		entities = append(entities, e)
	}

	result := &Result{Entities: entities, HasMore: hasMore, TimedOut: timedOut}
	if hasMore {
		cursor, err := EncodeCursor(CursorState{
			LastID:    lastID(window),
			QueryHash: planHash,
			Ts:        time.Now().UnixMilli(),
			Offset:    startOffset + len(window),
		})
		if err != nil {
			return nil, err
		}
		result.Cursor = cursor
	}
	return result, nil
}

// resolver builds a Resolver that fetches one entity at a time from shardID
// via Client.Lookup. Cross-shard ref expansion is out of scope (§1): a ref
// pointing outside shardID simply fails to resolve and is left as a marker.
func (ex *Executor) resolver(shardID string) Resolver {
	return func(ctx context.Context, id string) (triple.Entity, error) {
		eid, err := ident.NewEntityId(id)
		if err != nil {
			return triple.Entity{}, err
		}
		wires, err := ex.client.Lookup(ctx, shardID, []ident.EntityId{eid})
		if err != nil {
			return triple.Entity{}, err
		}
		ts := decodeTriples(wires)
		if len(ts) == 0 {
			return triple.Entity{}, fmt.Errorf("exec: ref %q not found", id)
		}
		return triple.Materialize(eid, triple.LatestPerPredicate(ts)), nil
	}
}

// runState threads the accumulated frontier/triples/visited set across step
// processing for a whole plan.
type runState struct {
	frontier         []ident.EntityId
	triplesBySubject map[string][]triple.Triple
	visited          map[string]struct{}
}

func (ex *Executor) runLookup(ctx context.Context, shardID string, step plan.PlanStep, run *runState) error {
	ids, err := parseEntityIDs(step.EntityIDs)
	if err != nil {
		return err
	}
	wires, err := ex.client.Lookup(ctx, shardID, ids)
	if err != nil {
		return err
	}
	mergeTriples(run, decodeTriples(wires))
	run.frontier = ids
	return nil
}

func (ex *Executor) runTraverse(ctx context.Context, shardID string, step plan.PlanStep, run *runState, direction string) error {
	pred, err := ident.NewPredicate(step.Predicate)
	if err != nil {
		return err
	}
	wires, neighbors, err := ex.client.Traverse(ctx, shardID, run.frontier, pred.String(), direction)
	if err != nil {
		return err
	}
	mergeTriples(run, decodeTriples(wires))
	ids, err := parseEntityIDs(neighbors)
	if err != nil {
		return err
	}
	run.frontier = ids
	return nil
}

// runRecurse hops up to min(step.MaxDepth or plan.DefaultMaxDepth,
// MaxPathDepth) times, accumulating every newly-discovered id (not just the
// last hop's frontier) and refusing to re-expand an already-visited id, per
// §4.9's cycle-prevention/termination guarantee. It returns true if ctx's
// deadline was hit mid-recursion, in which case whatever was discovered so
// far is kept (partial result, not an error).
func (ex *Executor) runRecurse(ctx context.Context, shardID string, step plan.PlanStep, run *runState) (bool, error) {
	depth := plan.DefaultMaxDepth
	if step.MaxDepth != nil {
		depth = *step.MaxDepth
	}
	if depth > MaxPathDepth {
		depth = MaxPathDepth
	}
	pred, err := ident.NewPredicate(step.Predicate)
	if err != nil {
		return false, err
	}

	discovered := map[string]ident.EntityId{}
	frontier := run.frontier

	for hop := 0; hop < depth; hop++ {
		select {
		case <-ctx.Done():
			run.frontier = collectValues(discovered)
			return true, nil
		default:
		}

		next := make([]ident.EntityId, 0, len(frontier))
		for _, id := range frontier {
			if _, seen := run.visited[id.String()]; seen {
				continue
			}
			next = append(next, id)
		}
		if len(next) == 0 {
			break
		}

		wires, neighbors, err := ex.client.Traverse(ctx, shardID, next, pred.String(), "outgoing")
		if err != nil {
			return false, err
		}
		mergeTriples(run, decodeTriples(wires))

		for _, id := range next {
			run.visited[id.String()] = struct{}{}
		}

		newFrontier, err := parseEntityIDs(neighbors)
		if err != nil {
			return false, err
		}
		var fresh []ident.EntityId
		for _, id := range newFrontier {
			if _, seen := run.visited[id.String()]; seen {
				continue
			}
			if _, already := discovered[id.String()]; already {
				continue
			}
			discovered[id.String()] = id
			fresh = append(fresh, id)
		}
		if len(fresh) == 0 {
			break
		}
		frontier = fresh
	}

	run.frontier = collectValues(discovered)
	return false, nil
}

func applyFilter(step plan.PlanStep, run *runState) []ident.EntityId {
	kept := make([]ident.EntityId, 0, len(run.frontier))
	for _, id := range run.frontier {
		fields := indexLatest(run.triplesBySubject[id.String()])
		if evalFilterExpr(step.Filter, fields) {
			kept = append(kept, id)
		}
	}
	return kept
}

func mergeTriples(run *runState, ts []triple.Triple) {
	for _, t := range ts {
		key := t.Subject.String()
		run.triplesBySubject[key] = append(run.triplesBySubject[key], t)
	}
}

func parseEntityIDs(raw []string) ([]ident.EntityId, error) {
	out := make([]ident.EntityId, len(raw))
	for i, s := range raw {
		id, err := ident.NewEntityId(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func indexLatestTriples(ts []triple.Triple) []triple.Triple {
	return triple.LatestPerPredicate(ts)
}

func dedupe(ids []ident.EntityId) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		s := id.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func collectValues(m map[string]ident.EntityId) []ident.EntityId {
	out := make([]ident.EntityId, 0, len(m))
	for _, id := range m {
		out = append(out, id)
	}
	return out
}

func lastID(window []string) string {
	if len(window) == 0 {
		return ""
	}
	return window[len(window)-1]
}
