package typedval

import "testing"

func TestGeoPointBounds(t *testing.T) {
	if err := ValidatePoint(Point{Lat: 90, Lng: -180}); err != nil {
		t.Fatalf("boundary point should be valid: %v", err)
	}
	if err := ValidatePoint(Point{Lat: 90.0001, Lng: 0}); err == nil {
		t.Fatal("expected rejection of lat > 90")
	}
	if err := ValidatePoint(Point{Lat: 0, Lng: 180.0001}); err == nil {
		t.Fatal("expected rejection of lng > 180")
	}
}

func TestGeoPolygonValidation(t *testing.T) {
	ring := []Point{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}
	if _, err := NewGeoPolygonObject(Polygon{Exterior: ring}); err != nil {
		t.Fatalf("valid polygon rejected: %v", err)
	}
	tooFew := []Point{{0, 0}, {0, 1}, {0, 0}}
	if _, err := NewGeoPolygonObject(Polygon{Exterior: tooFew}); err == nil {
		t.Fatal("expected rejection of <4 point ring")
	}
	unclosed := []Point{{0, 0}, {0, 1}, {1, 1}, {1, 0}}
	if _, err := NewGeoPolygonObject(Polygon{Exterior: unclosed}); err == nil {
		t.Fatal("expected rejection of unclosed ring")
	}
}

func TestTagPayloadConstruction(t *testing.T) {
	o := NewInt64Object(42)
	if o.Tag != Int64 || o.Int64Value() != 42 {
		t.Fatalf("unexpected int64 object: %+v", o)
	}
	n, ok := o.NumericValue()
	if !ok || n != 42 {
		t.Fatalf("NumericValue: got (%v,%v)", n, ok)
	}
	s := NewStringObject("hello")
	if _, ok := s.NumericValue(); ok {
		t.Fatal("string object should not be numeric")
	}
}

func TestTypedObjectEqual(t *testing.T) {
	a := NewInt32Object(5)
	b := NewInt32Object(5)
	c := NewInt32Object(6)
	if !a.Equal(b) {
		t.Fatal("equal int32 values should compare equal")
	}
	if a.Equal(c) {
		t.Fatal("differing int32 values should not compare equal")
	}
	if a.Equal(NewStringObject("5")) {
		t.Fatal("mismatched tags should never be equal")
	}
}

func TestTombstone(t *testing.T) {
	if !NewNullObject().IsTombstone() {
		t.Fatal("NULL object must be a tombstone")
	}
	if NewBoolObject(false).IsTombstone() {
		t.Fatal("BOOL(false) is not a tombstone")
	}
}

func TestGeohashRoundTrip(t *testing.T) {
	hash := EncodeGeohash(37.7749, -122.4194, 9)
	center, ok := DecodeGeohash(hash)
	if !ok {
		t.Fatal("decode failed")
	}
	if diff := center.Lat - 37.7749; diff > 0.01 || diff < -0.01 {
		t.Fatalf("decoded lat too far off: %v", center.Lat)
	}
	if diff := center.Lng - (-122.4194); diff > 0.01 || diff < -0.01 {
		t.Fatalf("decoded lng too far off: %v", center.Lng)
	}
	neighbors, ok := GeohashNeighbors(hash)
	if !ok {
		t.Fatal("neighbors failed")
	}
	for _, n := range neighbors {
		if len(n) != len(hash) {
			t.Fatalf("neighbor hash length mismatch: %q", n)
		}
	}
}

func TestGeohashAlphabetExcludesAmbiguousLetters(t *testing.T) {
	for _, c := range []byte{'a', 'i', 'l', 'o'} {
		for _, g := range geohashAlphabet {
			if byte(g) == c {
				t.Fatalf("geohash alphabet should exclude %q", c)
			}
		}
	}
}
