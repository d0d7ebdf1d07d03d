package graphcol

import (
	"testing"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/typedval"
)

func mustNS(t *testing.T, s string) ident.Namespace {
	t.Helper()
	ns, err := ident.NewNamespace(s)
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	return ns
}

func mustEID(t *testing.T, s string) ident.EntityId {
	t.Helper()
	id, err := ident.NewEntityId(s)
	if err != nil {
		t.Fatalf("NewEntityId: %v", err)
	}
	return id
}

func mustPred(t *testing.T, s string) ident.Predicate {
	t.Helper()
	p, err := ident.NewPredicate(s)
	if err != nil {
		t.Fatalf("NewPredicate: %v", err)
	}
	return p
}

func mustTxID(t *testing.T) ident.TransactionId {
	t.Helper()
	txID, err := ident.NewGeneratedTransactionId(nil, 1_700_000_000_000)
	if err != nil {
		t.Fatalf("NewGeneratedTransactionId: %v", err)
	}
	return txID
}

func sampleTriples(t *testing.T) []triple.Triple {
	t.Helper()
	alice := mustEID(t, "https://example.com/user/alice")
	bob := mustEID(t, "https://example.com/user/bob")
	name := mustPred(t, "name")
	age := mustPred(t, "age")
	follows := mustPred(t, "follows")
	txID := mustTxID(t)

	poly, err := typedval.NewGeoPolygonObject(typedval.Polygon{
		Exterior: []typedval.Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}, {Lat: 1, Lng: 0}, {Lat: 0, Lng: 0}},
	})
	if err != nil {
		t.Fatalf("polygon: %v", err)
	}

	return []triple.Triple{
		triple.New(alice, name, typedval.NewStringObject("Alice"), 100, txID),
		triple.New(alice, age, typedval.NewInt64Object(30), 100, txID),
		triple.New(alice, follows, typedval.NewRefObject(bob), 100, txID),
		triple.New(alice, follows, typedval.NewRefArrayObject([]ident.EntityId{bob, alice}), 101, txID),
		triple.New(alice, mustPred(t, "shape"), poly, 102, txID),
		triple.New(alice, mustPred(t, "deleted"), typedval.NewNullObject(), 103, txID),
		triple.New(alice, mustPred(t, "score"), typedval.NewFloat64Object(3.14), 104, txID),
		triple.New(alice, mustPred(t, "tags"), typedval.NewVectorObject([]float64{1, 2, 3}), 105, txID),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ns := mustNS(t, "https://example.com/ns")
	triples := sampleTriples(t)

	data, err := Encode(triples, ns)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, decodedNS, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decodedNS.String() != ns.String() {
		t.Fatalf("namespace mismatch: got %q want %q", decodedNS, ns)
	}
	if len(decoded) != len(triples) {
		t.Fatalf("triple count mismatch: got %d want %d", len(decoded), len(triples))
	}
	for i := range triples {
		want, got := triples[i], decoded[i]
		if want.Subject.String() != got.Subject.String() ||
			want.Predicate.String() != got.Predicate.String() ||
			want.Timestamp != got.Timestamp ||
			want.TxID.String() != got.TxID.String() {
			t.Fatalf("triple %d mismatch: want %+v got %+v", i, want, got)
		}
		if want.Object.Tag != got.Object.Tag || !want.Object.Equal(got.Object) {
			t.Fatalf("triple %d object mismatch: want tag %v got tag %v", i, want.Object.Tag, got.Object.Tag)
		}
	}
}

func TestEncodeCompressedRoundTrip(t *testing.T) {
	ns := mustNS(t, "https://example.com/ns")
	triples := sampleTriples(t)

	data, err := EncodeCompressed(triples, ns)
	if err != nil {
		t.Fatalf("EncodeCompressed: %v", err)
	}
	decoded, _, err := DecodeCompressed(data)
	if err != nil {
		t.Fatalf("DecodeCompressed: %v", err)
	}
	if len(decoded) != len(triples) {
		t.Fatalf("triple count mismatch: got %d want %d", len(decoded), len(triples))
	}
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	ns := mustNS(t, "https://example.com/ns")
	data, err := Encode(sampleTriples(t), ns)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	corrupted := append([]byte(nil), data...)
	corrupted[10] ^= 0xFF
	if _, _, err := Decode(corrupted); err == nil {
		t.Fatal("expected CRC mismatch error")
	} else if _, ok := err.(*CodecError); !ok {
		t.Fatalf("expected *CodecError, got %T", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	ns := mustNS(t, "https://example.com/ns")
	data, err := Encode(sampleTriples(t), ns)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[len(magic)] = 99
	if _, _, err := Decode(data); err == nil {
		t.Fatal("expected rejection of unsupported version")
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	if _, _, err := Decode([]byte("short")); err == nil {
		t.Fatal("expected rejection of truncated frame")
	}
}

func TestEncodePreservesOrder(t *testing.T) {
	ns := mustNS(t, "https://example.com/ns")
	triples := sampleTriples(t)
	data, err := Encode(triples, ns)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, _, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range triples {
		if triples[i].Timestamp != decoded[i].Timestamp {
			t.Fatalf("order not preserved at index %d", i)
		}
	}
}
