// Package graphcol implements GraphCol, the columnar binary format used for
// both sealed chunk payloads (C4) and CDC blobs (C10). See SPEC_FULL.md C2.
//
// Frame layout:
//
//	magic "GCOL" (4B) | version (1B) | namespace (varint-len str)
//	| dict count (uvarint) | dict entries (varint-len str)*
//	| triple count (uvarint)
//	| per triple: subjectDictIdx, predicateDictIdx (uvarint)
//	              | tag (1B) | tag-specific payload
//	              | timestamp (zigzag varint) | txID (26 raw bytes)
//	| CRC32(frame body so far) (4B, little endian)
//
// Strings that recur (subjects, predicates, STRING/URL/REF object values)
// are interned into the dictionary once; every other reference to them is a
// uvarint index.
package graphcol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"

	"github.com/dreamware/graphshard/internal/binenc"
	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/typedval"
)

const (
	magic   = "GCOL"
	version = 1
)

// CodecError is returned by Decode when the frame fails a structural check:
// bad magic, unknown version, CRC mismatch, or a tag/payload disagreement
// baked into the bytes themselves. It is fatal for the affected chunk;
// callers may skip it and continue with others (§7).
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string { return "graphcol: " + e.Reason }

func codecErrf(format string, args ...any) error {
	return &CodecError{Reason: fmt.Sprintf(format, args...)}
}

// dictBuilder interns strings in first-seen order and hands back stable
// indices, the shape every string-like column (subjects, predicates,
// STRING/URL/REF values) shares.
type dictBuilder struct {
	index   map[string]int
	entries []string
}

func newDictBuilder() *dictBuilder {
	return &dictBuilder{index: map[string]int{}}
}

func (d *dictBuilder) intern(s string) int {
	if i, ok := d.index[s]; ok {
		return i
	}
	i := len(d.entries)
	d.index[s] = i
	d.entries = append(d.entries, s)
	return i
}

// Encode serializes triples (in order) for namespace ns into a GraphCol
// frame. Decoding the result with Decode yields triples equal in every
// field, including ObjectType tag and payload kind.
func Encode(triples []triple.Triple, ns ident.Namespace) ([]byte, error) {
	dict := newDictBuilder()

	// Pre-intern every string-bearing field so the dictionary section can
	// be written before the per-triple columns.
	for _, t := range triples {
		dict.intern(t.Subject.String())
		dict.intern(t.Predicate.String())
		switch t.Object.Tag {
		case typedval.String, typedval.URL:
			dict.intern(t.Object.StringValue())
		case typedval.Ref:
			dict.intern(t.Object.RefValue().String())
		case typedval.RefArray:
			for _, r := range t.Object.RefsValue() {
				dict.intern(r.String())
			}
		}
	}

	buf := make([]byte, 0, 64+len(triples)*32)
	buf = append(buf, magic...)
	buf = append(buf, version)
	buf = appendString(buf, ns.String())

	buf = binenc.PutUvarint(buf, uint64(len(dict.entries)))
	for _, e := range dict.entries {
		buf = appendString(buf, e)
	}

	buf = binenc.PutUvarint(buf, uint64(len(triples)))
	for _, t := range triples {
		buf = binenc.PutUvarint(buf, uint64(dict.index[t.Subject.String()]))
		buf = binenc.PutUvarint(buf, uint64(dict.index[t.Predicate.String()]))
		var err error
		buf, err = encodeObject(buf, t.Object, dict)
		if err != nil {
			return nil, err
		}
		buf = binenc.PutVarint(buf, t.Timestamp)
		buf = append(buf, padTxID(t.TxID.String())...)
	}

	crc := binenc.CRC32IEEE(buf)
	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, crc)
	return append(buf, trailer...), nil
}

// EncodeCompressed wraps Encode's output with Snappy block compression,
// exercising the "external compression is the caller's choice" contract
// from SPEC_FULL.md C2 without baking a compressor into the frame format
// itself.
func EncodeCompressed(triples []triple.Triple, ns ident.Namespace) ([]byte, error) {
	raw, err := Encode(triples, ns)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeCompressed reverses EncodeCompressed.
func DecodeCompressed(data []byte) ([]triple.Triple, ident.Namespace, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, ident.Namespace{}, codecErrf("snappy decompress: %v", err)
	}
	return Decode(raw)
}

func padTxID(s string) []byte {
	b := make([]byte, 26)
	copy(b, s)
	for i := len(s); i < 26; i++ {
		b[i] = '0'
	}
	return b
}

func appendString(buf []byte, s string) []byte {
	buf = binenc.PutUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	n, consumed, err := binenc.Uvarint(buf)
	if err != nil {
		return "", nil, codecErrf("string length: %v", err)
	}
	buf = buf[consumed:]
	if uint64(len(buf)) < n {
		return "", nil, codecErrf("truncated string")
	}
	return string(buf[:n]), buf[n:], nil
}

func encodeObject(buf []byte, o typedval.TypedObject, dict *dictBuilder) ([]byte, error) {
	buf = append(buf, byte(o.Tag))
	switch o.Tag {
	case typedval.Null:
		// no payload
	case typedval.Bool:
		if o.BoolValue() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case typedval.Int32:
		buf = binenc.PutVarint(buf, int64(o.Int32Value()))
	case typedval.Int64:
		buf = binenc.PutVarint(buf, o.Int64Value())
	case typedval.Float64:
		buf = appendFloat64(buf, o.Float64Value())
	case typedval.String, typedval.URL:
		buf = binenc.PutUvarint(buf, uint64(dict.index[o.StringValue()]))
	case typedval.Binary:
		b := o.BytesValue()
		buf = binenc.PutUvarint(buf, uint64(len(b)))
		buf = append(buf, b...)
	case typedval.Timestamp, typedval.Date:
		buf = binenc.PutVarint(buf, o.TimestampValue())
	case typedval.Duration:
		buf = binenc.PutVarint(buf, o.DurationValue())
	case typedval.Ref:
		buf = binenc.PutUvarint(buf, uint64(dict.index[o.RefValue().String()]))
	case typedval.RefArray:
		refs := o.RefsValue()
		buf = binenc.PutUvarint(buf, uint64(len(refs)))
		for _, r := range refs {
			buf = binenc.PutUvarint(buf, uint64(dict.index[r.String()]))
		}
	case typedval.JSON:
		b, err := json.Marshal(o.JSONValue())
		if err != nil {
			return nil, codecErrf("json marshal: %v", err)
		}
		buf = binenc.PutUvarint(buf, uint64(len(b)))
		buf = append(buf, b...)
	case typedval.GeoPoint:
		p := o.GeoPointValue()
		buf = appendFloat64(buf, p.Lat)
		buf = appendFloat64(buf, p.Lng)
	case typedval.GeoPolygon:
		poly := o.GeoPolygonValue()
		buf = appendRing(buf, poly.Exterior)
		buf = binenc.PutUvarint(buf, uint64(len(poly.Holes)))
		for _, h := range poly.Holes {
			buf = appendRing(buf, h)
		}
	case typedval.GeoLineString:
		line := o.GeoLineStringValue()
		buf = appendRing(buf, line.Points)
	case typedval.Vector:
		v := o.VectorValue()
		buf = binenc.PutUvarint(buf, uint64(len(v)))
		for _, f := range v {
			buf = appendFloat64(buf, f)
		}
	default:
		return nil, codecErrf("unknown object tag %d", o.Tag)
	}
	return buf, nil
}

func appendRing(buf []byte, pts []typedval.Point) []byte {
	buf = binenc.PutUvarint(buf, uint64(len(pts)))
	for _, p := range pts {
		buf = appendFloat64(buf, p.Lat)
		buf = appendFloat64(buf, p.Lng)
	}
	return buf
}

func appendFloat64(buf []byte, f float64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
	return append(buf, tmp[:]...)
}

func readFloat64(buf []byte) (float64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, codecErrf("truncated float64")
	}
	bits := binary.LittleEndian.Uint64(buf[:8])
	return math.Float64frombits(bits), buf[8:], nil
}

// Decode parses a GraphCol frame, validating magic, version, structural
// consistency, and the trailing CRC32. Any mismatch returns a *CodecError.
func Decode(data []byte) ([]triple.Triple, ident.Namespace, error) {
	if len(data) < len(magic)+1+4 {
		return nil, ident.Namespace{}, codecErrf("frame too short")
	}
	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if gotCRC := binenc.CRC32IEEE(body); gotCRC != wantCRC {
		return nil, ident.Namespace{}, codecErrf("crc mismatch: got %#x want %#x", gotCRC, wantCRC)
	}

	buf := body
	if string(buf[:len(magic)]) != magic {
		return nil, ident.Namespace{}, codecErrf("bad magic")
	}
	buf = buf[len(magic):]
	v := buf[0]
	buf = buf[1:]
	if v != version {
		return nil, ident.Namespace{}, codecErrf("unsupported version %d", v)
	}

	nsStr, buf, err := readString(buf)
	if err != nil {
		return nil, ident.Namespace{}, err
	}
	ns, err := ident.NewNamespace(nsStr)
	if err != nil {
		return nil, ident.Namespace{}, codecErrf("invalid namespace %q: %v", nsStr, err)
	}

	dictLen, n, err := binenc.Uvarint(buf)
	if err != nil {
		return nil, ident.Namespace{}, codecErrf("dict length: %v", err)
	}
	buf = buf[n:]
	dict := make([]string, dictLen)
	for i := range dict {
		var s string
		s, buf, err = readString(buf)
		if err != nil {
			return nil, ident.Namespace{}, err
		}
		dict[i] = s
	}

	count, n, err := binenc.Uvarint(buf)
	if err != nil {
		return nil, ident.Namespace{}, codecErrf("triple count: %v", err)
	}
	buf = buf[n:]

	out := make([]triple.Triple, 0, count)
	for i := uint64(0); i < count; i++ {
		var subjIdx, predIdx uint64
		subjIdx, n, err = binenc.Uvarint(buf)
		if err != nil {
			return nil, ident.Namespace{}, codecErrf("triple %d subject idx: %v", i, err)
		}
		buf = buf[n:]
		predIdx, n, err = binenc.Uvarint(buf)
		if err != nil {
			return nil, ident.Namespace{}, codecErrf("triple %d predicate idx: %v", i, err)
		}
		buf = buf[n:]
		if subjIdx >= uint64(len(dict)) || predIdx >= uint64(len(dict)) {
			return nil, ident.Namespace{}, codecErrf("triple %d dict index out of range", i)
		}

		var obj typedval.TypedObject
		obj, buf, err = decodeObject(buf, dict)
		if err != nil {
			return nil, ident.Namespace{}, err
		}

		var ts int64
		ts, n, err = binenc.Varint(buf)
		if err != nil {
			return nil, ident.Namespace{}, codecErrf("triple %d timestamp: %v", i, err)
		}
		buf = buf[n:]

		if len(buf) < 26 {
			return nil, ident.Namespace{}, codecErrf("triple %d truncated txID", i)
		}
		txIDStr := string(buf[:26])
		buf = buf[26:]
		txID, err := ident.NewTransactionId(txIDStr)
		if err != nil {
			return nil, ident.Namespace{}, codecErrf("triple %d invalid txID %q: %v", i, txIDStr, err)
		}

		subj, err := ident.NewEntityId(dict[subjIdx])
		if err != nil {
			return nil, ident.Namespace{}, codecErrf("triple %d invalid subject %q: %v", i, dict[subjIdx], err)
		}
		pred, err := ident.NewPredicate(dict[predIdx])
		if err != nil {
			return nil, ident.Namespace{}, codecErrf("triple %d invalid predicate %q: %v", i, dict[predIdx], err)
		}

		out = append(out, triple.New(subj, pred, obj, ts, txID))
	}
	return out, ns, nil
}

func decodeObject(buf []byte, dict []string) (typedval.TypedObject, []byte, error) {
	if len(buf) < 1 {
		return typedval.TypedObject{}, nil, codecErrf("truncated object tag")
	}
	tag := typedval.ObjectType(buf[0])
	buf = buf[1:]

	refFromDict := func(idx uint64) (ident.EntityId, error) {
		if idx >= uint64(len(dict)) {
			return ident.EntityId{}, errors.New("dict index out of range")
		}
		return ident.NewEntityId(dict[idx])
	}

	switch tag {
	case typedval.Null:
		return typedval.NewNullObject(), buf, nil
	case typedval.Bool:
		if len(buf) < 1 {
			return typedval.TypedObject{}, nil, codecErrf("truncated bool")
		}
		return typedval.NewBoolObject(buf[0] != 0), buf[1:], nil
	case typedval.Int32:
		v, n, err := binenc.Varint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("int32: %v", err)
		}
		return typedval.NewInt32Object(int32(v)), buf[n:], nil
	case typedval.Int64:
		v, n, err := binenc.Varint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("int64: %v", err)
		}
		return typedval.NewInt64Object(v), buf[n:], nil
	case typedval.Float64:
		v, rest, err := readFloat64(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, err
		}
		return typedval.NewFloat64Object(v), rest, nil
	case typedval.String:
		idx, n, err := binenc.Uvarint(buf)
		if err != nil || idx >= uint64(len(dict)) {
			return typedval.TypedObject{}, nil, codecErrf("string idx: %v", err)
		}
		return typedval.NewStringObject(dict[idx]), buf[n:], nil
	case typedval.URL:
		idx, n, err := binenc.Uvarint(buf)
		if err != nil || idx >= uint64(len(dict)) {
			return typedval.TypedObject{}, nil, codecErrf("url idx: %v", err)
		}
		return typedval.NewURLObject(dict[idx]), buf[n:], nil
	case typedval.Binary:
		l, n, err := binenc.Uvarint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("binary len: %v", err)
		}
		buf = buf[n:]
		if uint64(len(buf)) < l {
			return typedval.TypedObject{}, nil, codecErrf("truncated binary")
		}
		return typedval.NewBinaryObject(buf[:l]), buf[l:], nil
	case typedval.Timestamp:
		v, n, err := binenc.Varint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("timestamp: %v", err)
		}
		return typedval.NewTimestampObject(v), buf[n:], nil
	case typedval.Date:
		v, n, err := binenc.Varint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("date: %v", err)
		}
		return typedval.NewDateObject(v), buf[n:], nil
	case typedval.Duration:
		v, n, err := binenc.Varint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("duration: %v", err)
		}
		return typedval.NewDurationObject(v), buf[n:], nil
	case typedval.Ref:
		idx, n, err := binenc.Uvarint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("ref idx: %v", err)
		}
		id, err := refFromDict(idx)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("ref: %v", err)
		}
		return typedval.NewRefObject(id), buf[n:], nil
	case typedval.RefArray:
		count, n, err := binenc.Uvarint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("ref array len: %v", err)
		}
		buf = buf[n:]
		ids := make([]ident.EntityId, count)
		for i := range ids {
			var idx uint64
			idx, n, err = binenc.Uvarint(buf)
			if err != nil {
				return typedval.TypedObject{}, nil, codecErrf("ref array[%d]: %v", i, err)
			}
			buf = buf[n:]
			id, err := refFromDict(idx)
			if err != nil {
				return typedval.TypedObject{}, nil, codecErrf("ref array[%d]: %v", i, err)
			}
			ids[i] = id
		}
		return typedval.NewRefArrayObject(ids), buf, nil
	case typedval.JSON:
		l, n, err := binenc.Uvarint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("json len: %v", err)
		}
		buf = buf[n:]
		if uint64(len(buf)) < l {
			return typedval.TypedObject{}, nil, codecErrf("truncated json")
		}
		var v any
		if err := json.Unmarshal(buf[:l], &v); err != nil {
			return typedval.TypedObject{}, nil, codecErrf("json unmarshal: %v", err)
		}
		return typedval.NewJSONObject(v), buf[l:], nil
	case typedval.GeoPoint:
		lat, rest, err := readFloat64(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, err
		}
		lng, rest2, err := readFloat64(rest)
		if err != nil {
			return typedval.TypedObject{}, nil, err
		}
		o, err := typedval.NewGeoPointObject(typedval.Point{Lat: lat, Lng: lng})
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("geo point: %v", err)
		}
		return o, rest2, nil
	case typedval.GeoPolygon:
		ext, rest, err := readRing(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, err
		}
		holeCount, n, err := binenc.Uvarint(rest)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("polygon hole count: %v", err)
		}
		rest = rest[n:]
		holes := make([][]typedval.Point, holeCount)
		for i := range holes {
			var h []typedval.Point
			h, rest, err = readRing(rest)
			if err != nil {
				return typedval.TypedObject{}, nil, err
			}
			holes[i] = h
		}
		o, err := typedval.NewGeoPolygonObject(typedval.Polygon{Exterior: ext, Holes: holes})
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("geo polygon: %v", err)
		}
		return o, rest, nil
	case typedval.GeoLineString:
		pts, rest, err := readRing(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, err
		}
		o, err := typedval.NewGeoLineStringObject(typedval.LineString{Points: pts})
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("geo linestring: %v", err)
		}
		return o, rest, nil
	case typedval.Vector:
		count, n, err := binenc.Uvarint(buf)
		if err != nil {
			return typedval.TypedObject{}, nil, codecErrf("vector len: %v", err)
		}
		buf = buf[n:]
		vec := make([]float64, count)
		for i := range vec {
			var f float64
			f, buf, err = readFloat64(buf)
			if err != nil {
				return typedval.TypedObject{}, nil, err
			}
			vec[i] = f
		}
		return typedval.NewVectorObject(vec), buf, nil
	default:
		return typedval.TypedObject{}, nil, codecErrf("unknown tag %d", tag)
	}
}

func readRing(buf []byte) ([]typedval.Point, []byte, error) {
	count, n, err := binenc.Uvarint(buf)
	if err != nil {
		return nil, nil, codecErrf("ring length: %v", err)
	}
	buf = buf[n:]
	pts := make([]typedval.Point, count)
	for i := range pts {
		lat, rest, err := readFloat64(buf)
		if err != nil {
			return nil, nil, err
		}
		lng, rest2, err := readFloat64(rest)
		if err != nil {
			return nil, nil, err
		}
		pts[i] = typedval.Point{Lat: lat, Lng: lng}
		buf = rest2
	}
	return pts, buf, nil
}
