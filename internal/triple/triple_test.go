package triple

import (
	"testing"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/typedval"
)

func mustEntityID(t *testing.T, s string) ident.EntityId {
	t.Helper()
	id, err := ident.NewEntityId(s)
	if err != nil {
		t.Fatalf("NewEntityId(%q): %v", s, err)
	}
	return id
}

func mustPredicate(t *testing.T, s string) ident.Predicate {
	t.Helper()
	p, err := ident.NewPredicate(s)
	if err != nil {
		t.Fatalf("NewPredicate(%q): %v", s, err)
	}
	return p
}

func TestLatestPerPredicateKeepsGreatestTimestamp(t *testing.T) {
	alice := mustEntityID(t, "https://example.com/user/alice")
	name := mustPredicate(t, "name")

	older := New(alice, name, typedval.NewStringObject("Al"), 100, ident.TransactionId{})
	newer := New(alice, name, typedval.NewStringObject("Alice"), 200, ident.TransactionId{})

	latest := LatestPerPredicate([]Triple{older, newer})
	if len(latest) != 1 || latest[0].Object.StringValue() != "Alice" {
		t.Fatalf("expected single Alice triple, got %+v", latest)
	}
}

func TestLatestPerPredicateDropsTombstone(t *testing.T) {
	alice := mustEntityID(t, "https://example.com/user/alice")
	age := mustPredicate(t, "age")

	live := New(alice, age, typedval.NewInt64Object(30), 100, ident.TransactionId{})
	deleted := New(alice, age, typedval.NewNullObject(), 200, ident.TransactionId{})

	latest := LatestPerPredicate([]Triple{live, deleted})
	if len(latest) != 0 {
		t.Fatalf("expected tombstone to drop the predicate entirely, got %+v", latest)
	}
}

func TestMaterializeDefaultsTypeAndMultiValue(t *testing.T) {
	alice := mustEntityID(t, "https://example.com/user/alice")
	follows := mustPredicate(t, "follows")
	bob := mustEntityID(t, "https://example.com/user/bob")
	charlie := mustEntityID(t, "https://example.com/user/charlie")

	ts := []Triple{
		New(alice, follows, typedval.NewRefObject(bob), 1, ident.TransactionId{}),
		New(alice, follows, typedval.NewRefObject(charlie), 2, ident.TransactionId{}),
	}
	e := Materialize(alice, ts)
	if e.Type != DefaultType {
		t.Fatalf("expected default type %q, got %q", DefaultType, e.Type)
	}
	vals, ok := e.Fields["follows"].([]any)
	if !ok || len(vals) != 2 {
		t.Fatalf("expected 2-element follows slice, got %#v", e.Fields["follows"])
	}
	if _, ok := vals[0].(RefMarker); !ok {
		t.Fatalf("expected RefMarker values, got %#v", vals[0])
	}
}

func TestMaterializeTypeField(t *testing.T) {
	alice := mustEntityID(t, "https://example.com/user/alice")
	typePred := mustPredicate(t, "$type")
	ts := []Triple{
		New(alice, typePred, typedval.NewStringObject("Person"), 1, ident.TransactionId{}),
	}
	e := Materialize(alice, ts)
	if e.Type != "Person" {
		t.Fatalf("expected type Person, got %q", e.Type)
	}
	if _, exists := e.Fields["$type"]; exists {
		t.Fatal("$type should not also appear as a regular field")
	}
}
