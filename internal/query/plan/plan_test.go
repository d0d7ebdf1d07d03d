package plan

import (
	"testing"

	"github.com/dreamware/graphshard/internal/query/parser"
)

func mustParse(t *testing.T, q string) *parser.Node {
	t.Helper()
	n, err := parser.Parse(q)
	if err != nil {
		t.Fatalf("parse %q: %v", q, err)
	}
	return n
}

func TestBuildEntityLookup(t *testing.T) {
	n := mustParse(t, "user:alice")
	p, err := Build(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Steps) != 1 || p.Steps[0].Kind != StepLookup {
		t.Fatalf("steps = %+v", p.Steps)
	}
	if len(p.Steps[0].EntityIDs) != 1 {
		t.Fatalf("entity ids = %v", p.Steps[0].EntityIDs)
	}
	if len(p.Shards) != 1 || p.Shards[0] == "" {
		t.Fatalf("shards = %v", p.Shards)
	}
}

func TestBuildTraversalWithFilter(t *testing.T) {
	n := mustParse(t, `user:alice.follows[?age > 30]`)
	p, err := Build(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("steps = %+v", p.Steps)
	}
	if p.Steps[0].Kind != StepLookup || p.Steps[1].Kind != StepTraverse || p.Steps[2].Kind != StepFilter {
		t.Fatalf("step kinds = %v %v %v", p.Steps[0].Kind, p.Steps[1].Kind, p.Steps[2].Kind)
	}
	if p.Steps[1].Predicate != "follows" {
		t.Fatalf("predicate = %q", p.Steps[1].Predicate)
	}
}

func TestBuildReverseAndExpand(t *testing.T) {
	n := mustParse(t, `post:1<-liked{name,age}`)
	p, err := Build(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("steps = %+v", p.Steps)
	}
	if p.Steps[1].Kind != StepReverse || p.Steps[1].Predicate != "liked" {
		t.Fatalf("reverse step = %+v", p.Steps[1])
	}
	if p.Steps[2].Kind != StepExpand || len(p.Steps[2].Fields) != 2 {
		t.Fatalf("expand step = %+v", p.Steps[2])
	}
}

func TestBuildRecurseCostScalesWithDepth(t *testing.T) {
	bounded := mustParse(t, `user:a.friends*[depth <= 5]`)
	unbounded := mustParse(t, `user:a.friends*`)

	pb, err := Build(bounded)
	if err != nil {
		t.Fatalf("bounded: %v", err)
	}
	pu, err := Build(unbounded)
	if err != nil {
		t.Fatalf("unbounded: %v", err)
	}
	if pb.EstimatedCost >= pu.EstimatedCost {
		t.Fatalf("expected bounded cost (%v) < unbounded cost (%v, default depth %d)", pb.EstimatedCost, pu.EstimatedCost, DefaultMaxDepth)
	}
}

func TestSameNamespaceSameShard(t *testing.T) {
	a := mustParse(t, "user:alice")
	b := mustParse(t, "user:bob")
	pa, err := Build(a)
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	pb, err := Build(b)
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if pa.Shards[0] != pb.Shards[0] {
		t.Fatalf("expected same-namespace queries to route to the same shard: %v vs %v", pa.Shards, pb.Shards)
	}
}

func TestDifferentNamespaceDifferentShard(t *testing.T) {
	a := mustParse(t, "user:alice")
	b := mustParse(t, "post:1")
	pa, err := Build(a)
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	pb, err := Build(b)
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if pa.Shards[0] == pb.Shards[0] {
		t.Fatalf("expected different namespaces to (almost certainly) route to different shards, both got %v", pa.Shards[0])
	}
}

func TestCacheKeyStableAcrossEquivalentQueries(t *testing.T) {
	n1 := mustParse(t, "user:alice.follows")
	n2, err := parser.Parse(parser.Stringify(n1))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	p1, _ := Build(n1)
	p2, _ := Build(n2)
	if p1.CacheKey != p2.CacheKey {
		t.Fatalf("cache keys diverged: %q vs %q", p1.CacheKey, p2.CacheKey)
	}
}

func TestCacheGetSetAndEviction(t *testing.T) {
	c, err := NewCache(2)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	p1 := &Plan{CacheKey: "a"}
	p2 := &Plan{CacheKey: "b"}
	p3 := &Plan{CacheKey: "c"}

	c.Set("a", p1)
	c.Set("b", p2)
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}

	// Touch "a" so it's most-recently-used, then insert "c" which should
	// evict "b" (the least-recently-used), not "a".
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}
	c.Set("c", p3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c present")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c, err := NewCache(4)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	c.Set("a", &Plan{CacheKey: "a"})
	c.Invalidate()
	if c.Len() != 0 {
		t.Fatalf("len after invalidate = %d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestBuildAcceptsQuotedKeyWithSpaces(t *testing.T) {
	// A quoted entity key containing spaces under a short-form namespace
	// still forms a valid entity id, so Build succeeds rather than
	// rejecting it.
	n := mustParse(t, `weird:"a value with spaces"`)
	if _, err := Build(n); err != nil {
		t.Fatalf("unexpected error for quoted string key: %v", err)
	}
}
