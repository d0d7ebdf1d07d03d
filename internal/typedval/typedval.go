// Package typedval implements the ObjectType tag set and the TypedObject sum
// type used as a triple's object. Values are constructed exclusively through
// the NewXxxObject helpers, which reject any mismatch between the requested
// tag and the supplied payload at construction time rather than at the
// read site (see SPEC_FULL.md §9, "Dynamic typed object -> tagged variant").
package typedval

import (
	"errors"
	"fmt"
	"math"

	"github.com/dreamware/graphshard/internal/ident"
)

// ObjectType is the tag discriminating a TypedObject's payload variant.
type ObjectType uint8

const (
	Null ObjectType = iota
	Bool
	Int32
	Int64
	Float64
	String
	Binary
	Timestamp
	Date
	Duration
	Ref
	RefArray
	JSON
	GeoPoint
	GeoPolygon
	GeoLineString
	URL
	Vector
)

func (t ObjectType) String() string {
	names := [...]string{
		"NULL", "BOOL", "INT32", "INT64", "FLOAT64", "STRING", "BINARY",
		"TIMESTAMP", "DATE", "DURATION", "REF", "REF_ARRAY", "JSON",
		"GEO_POINT", "GEO_POLYGON", "GEO_LINESTRING", "URL", "VECTOR",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// ErrTagPayloadMismatch is returned whenever a TypedObject's tag and payload
// disagree at construction time.
var ErrTagPayloadMismatch = errors.New("typedval: tag and payload disagree")

// Point is a validated geographic point: lat in [-90,90], lng in [-180,180],
// both finite.
type Point struct {
	Lat float64
	Lng float64
}

// Polygon is an exterior closed ring of >=4 points plus optional closed hole
// rings.
type Polygon struct {
	Exterior []Point
	Holes    [][]Point
}

// LineString is a sequence of >=2 points.
type LineString struct {
	Points []Point
}

// TypedObject is the sum type stored as a triple's object. Exactly one of
// the payload fields is populated, matching Tag; construction is only
// possible through the NewXxxObject family, which enforces that invariant.
type TypedObject struct {
	Tag ObjectType

	boolV  bool
	i32V   int32
	i64V   int64
	f64V   float64
	strV   string
	binV   []byte
	tsV    int64
	durV   int64
	refV   ident.EntityId
	refsV  []ident.EntityId
	jsonV  any
	pointV Point
	polyV  Polygon
	lineV  LineString
	vecV   []float64
}

// NewNullObject returns the NULL-tagged object; a NULL object at the latest
// timestamp for a (subject,predicate) pair is a tombstone (§3).
func NewNullObject() TypedObject { return TypedObject{Tag: Null} }

func NewBoolObject(v bool) TypedObject    { return TypedObject{Tag: Bool, boolV: v} }
func NewInt32Object(v int32) TypedObject  { return TypedObject{Tag: Int32, i32V: v} }
func NewInt64Object(v int64) TypedObject  { return TypedObject{Tag: Int64, i64V: v} }
func NewFloat64Object(v float64) TypedObject {
	return TypedObject{Tag: Float64, f64V: v}
}
func NewStringObject(v string) TypedObject { return TypedObject{Tag: String, strV: v} }
func NewBinaryObject(v []byte) TypedObject {
	cp := make([]byte, len(v))
	copy(cp, v)
	return TypedObject{Tag: Binary, binV: cp}
}
func NewTimestampObject(v int64) TypedObject { return TypedObject{Tag: Timestamp, tsV: v} }
func NewDateObject(v int64) TypedObject      { return TypedObject{Tag: Date, tsV: v} }
func NewDurationObject(v int64) TypedObject  { return TypedObject{Tag: Duration, durV: v} }
func NewRefObject(v ident.EntityId) TypedObject {
	return TypedObject{Tag: Ref, refV: v}
}
func NewRefArrayObject(v []ident.EntityId) TypedObject {
	cp := make([]ident.EntityId, len(v))
	copy(cp, v)
	return TypedObject{Tag: RefArray, refsV: cp}
}
func NewJSONObject(v any) TypedObject { return TypedObject{Tag: JSON, jsonV: v} }
func NewURLObject(v string) TypedObject { return TypedObject{Tag: URL, strV: v} }
func NewVectorObject(v []float64) TypedObject {
	cp := make([]float64, len(v))
	copy(cp, v)
	return TypedObject{Tag: Vector, vecV: cp}
}

// NewGeoPointObject validates p and returns a GEO_POINT object.
func NewGeoPointObject(p Point) (TypedObject, error) {
	if err := ValidatePoint(p); err != nil {
		return TypedObject{}, err
	}
	return TypedObject{Tag: GeoPoint, pointV: p}, nil
}

// NewGeoPolygonObject validates p (exterior ring >=4 points, optional closed
// hole rings) and returns a GEO_POLYGON object.
func NewGeoPolygonObject(p Polygon) (TypedObject, error) {
	if err := ValidatePolygon(p); err != nil {
		return TypedObject{}, err
	}
	return TypedObject{Tag: GeoPolygon, polyV: p}, nil
}

// NewGeoLineStringObject validates l (>=2 points) and returns a
// GEO_LINESTRING object.
func NewGeoLineStringObject(l LineString) (TypedObject, error) {
	if err := ValidateLineString(l); err != nil {
		return TypedObject{}, err
	}
	return TypedObject{Tag: GeoLineString, lineV: l}, nil
}

// ValidatePoint checks lat/lng bounds and finiteness.
func ValidatePoint(p Point) error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("typedval: geo point must be finite, got (%v,%v)", p.Lat, p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("typedval: latitude %v out of [-90,90]", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("typedval: longitude %v out of [-180,180]", p.Lng)
	}
	return nil
}

func isClosedRing(ring []Point) bool {
	if len(ring) == 0 {
		return false
	}
	first, last := ring[0], ring[len(ring)-1]
	return first.Lat == last.Lat && first.Lng == last.Lng
}

// ValidatePolygon checks the exterior ring has >=4 points and is closed
// (first point equals last), and that every hole ring is also closed.
func ValidatePolygon(p Polygon) error {
	if len(p.Exterior) < 4 {
		return fmt.Errorf("typedval: polygon exterior ring needs >=4 points, got %d", len(p.Exterior))
	}
	if !isClosedRing(p.Exterior) {
		return errors.New("typedval: polygon exterior ring must be closed")
	}
	for _, pt := range p.Exterior {
		if err := ValidatePoint(pt); err != nil {
			return err
		}
	}
	for i, hole := range p.Holes {
		if len(hole) < 4 {
			return fmt.Errorf("typedval: polygon hole %d needs >=4 points, got %d", i, len(hole))
		}
		if !isClosedRing(hole) {
			return fmt.Errorf("typedval: polygon hole %d must be closed", i)
		}
		for _, pt := range hole {
			if err := ValidatePoint(pt); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateLineString checks that l has at least 2 points, all valid.
func ValidateLineString(l LineString) error {
	if len(l.Points) < 2 {
		return fmt.Errorf("typedval: linestring needs >=2 points, got %d", len(l.Points))
	}
	for _, pt := range l.Points {
		if err := ValidatePoint(pt); err != nil {
			return err
		}
	}
	return nil
}

// BoolValue, Int32Value, Int64Value, Float64Value, StringValue, BytesValue,
// TimestampValue, DurationValue, RefValue, RefsValue, JSONValue,
// GeoPointValue, GeoPolygonValue, GeoLineStringValue, and VectorValue are
// accessors. Each panics if called against the wrong Tag, by
// symmetry with the construction-time check: misuse is a programmer error,
// not a runtime data condition.

func (o TypedObject) BoolValue() bool                { o.mustBe(Bool); return o.boolV }
func (o TypedObject) Int32Value() int32              { o.mustBe(Int32); return o.i32V }
func (o TypedObject) Int64Value() int64              { o.mustBe(Int64); return o.i64V }
func (o TypedObject) Float64Value() float64          { o.mustBe(Float64); return o.f64V }
func (o TypedObject) StringValue() string            { o.mustBeAnyOf(String, URL); return o.strV }
func (o TypedObject) BytesValue() []byte             { o.mustBe(Binary); return o.binV }
func (o TypedObject) TimestampValue() int64          { o.mustBeAnyOf(Timestamp, Date); return o.tsV }
func (o TypedObject) DurationValue() int64           { o.mustBe(Duration); return o.durV }
func (o TypedObject) RefValue() ident.EntityId        { o.mustBe(Ref); return o.refV }
func (o TypedObject) RefsValue() []ident.EntityId     { o.mustBe(RefArray); return o.refsV }
func (o TypedObject) JSONValue() any                 { o.mustBe(JSON); return o.jsonV }
func (o TypedObject) GeoPointValue() Point           { o.mustBe(GeoPoint); return o.pointV }
func (o TypedObject) GeoPolygonValue() Polygon       { o.mustBe(GeoPolygon); return o.polyV }
func (o TypedObject) GeoLineStringValue() LineString { o.mustBe(GeoLineString); return o.lineV }
func (o TypedObject) VectorValue() []float64         { o.mustBe(Vector); return o.vecV }

func (o TypedObject) mustBe(want ObjectType) {
	if o.Tag != want {
		panic(fmt.Sprintf("typedval: accessor for %s called on %s value", want, o.Tag))
	}
}

func (o TypedObject) mustBeAnyOf(a, b ObjectType) {
	if o.Tag != a && o.Tag != b {
		panic(fmt.Sprintf("typedval: accessor for %s/%s called on %s value", a, b, o.Tag))
	}
}

// IsTombstone reports whether o represents a deletion marker, i.e. the NULL
// tag.
func (o TypedObject) IsTombstone() bool { return o.Tag == Null }

// Equal reports strict value equality between two TypedObjects of possibly
// differing tags; mismatched tags are never equal.
func (o TypedObject) Equal(other TypedObject) bool {
	if o.Tag != other.Tag {
		return false
	}
	switch o.Tag {
	case Null:
		return true
	case Bool:
		return o.boolV == other.boolV
	case Int32:
		return o.i32V == other.i32V
	case Int64:
		return o.i64V == other.i64V
	case Float64:
		return o.f64V == other.f64V
	case String, URL:
		return o.strV == other.strV
	case Binary:
		return string(o.binV) == string(other.binV)
	case Timestamp, Date:
		return o.tsV == other.tsV
	case Duration:
		return o.durV == other.durV
	case Ref:
		return o.refV.String() == other.refV.String()
	case RefArray:
		if len(o.refsV) != len(other.refsV) {
			return false
		}
		for i := range o.refsV {
			if o.refsV[i].String() != other.refsV[i].String() {
				return false
			}
		}
		return true
	case Vector:
		if len(o.vecV) != len(other.vecV) {
			return false
		}
		for i := range o.vecV {
			if o.vecV[i] != other.vecV[i] {
				return false
			}
		}
		return true
	default:
		// JSON/geo variants compare by best-effort structural equality; the
		// codec and executor never rely on deep JSON equality beyond tests.
		return fmt.Sprint(o.rawPayload()) == fmt.Sprint(other.rawPayload())
	}
}

// NumericValue returns the object's value as a float64 and true if its tag
// is one of the numeric variants (INT32, INT64, FLOAT64, TIMESTAMP, DATE,
// DURATION); otherwise it returns (0,false). Used by filter comparators that
// require numeric operands.
func (o TypedObject) NumericValue() (float64, bool) {
	switch o.Tag {
	case Int32:
		return float64(o.i32V), true
	case Int64:
		return float64(o.i64V), true
	case Float64:
		return o.f64V, true
	case Timestamp, Date:
		return float64(o.tsV), true
	case Duration:
		return float64(o.durV), true
	default:
		return 0, false
	}
}

func (o TypedObject) rawPayload() any {
	switch o.Tag {
	case GeoPoint:
		return o.pointV
	case GeoPolygon:
		return o.polyV
	case GeoLineString:
		return o.lineV
	case JSON:
		return o.jsonV
	default:
		return nil
	}
}
