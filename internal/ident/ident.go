// Package ident implements the branded identifier types that sit at every
// trust boundary of the graph: EntityId, Predicate, Namespace, and
// TransactionId. Values of these types can only be produced through their
// NewXxx constructors, which validate the input once; every other package in
// this module accepts the branded type and never a raw string, so
// re-validation never happens deeper in the stack.
package ident

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"time"
)

// Kind identifies which validation rule rejected a value.
type Kind string

const (
	KindInvalidEntityId      Kind = "InvalidEntityId"
	KindInvalidPredicate     Kind = "InvalidPredicate"
	KindInvalidNamespace     Kind = "InvalidNamespace"
	KindInvalidTransactionId Kind = "InvalidTransactionId"
)

// maxEchoLen bounds how much of the offending input a ValidationError
// repeats back, so diagnostics never leak an unbounded or sensitive payload.
const maxEchoLen = 100

// ValidationError is returned by every NewXxx constructor when its input
// fails validation. Input is truncated to maxEchoLen runes for diagnostics.
type ValidationError struct {
	Kind  Kind
	Input string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid input %q", e.Kind, e.Input)
}

func newValidationError(kind Kind, input string) *ValidationError {
	echo := input
	if len(echo) > maxEchoLen {
		r := []rune(echo)
		if len(r) > maxEchoLen {
			r = r[:maxEchoLen]
		}
		echo = string(r)
	}
	return &ValidationError{Kind: kind, Input: echo}
}

// EntityId is a validated http(s) URL identifying a subject or referenced
// entity. The zero value is not a valid EntityId; always obtain one through
// NewEntityId.
type EntityId struct{ v string }

// String returns the underlying URL.
func (e EntityId) String() string { return e.v }

const maxEntityIDLen = 2048

// NewEntityId validates s as an EntityId: scheme http/https, length <=2048,
// no control characters, null bytes, or zero-width characters.
func NewEntityId(s string) (EntityId, error) {
	if len(s) == 0 || len(s) > maxEntityIDLen {
		return EntityId{}, newValidationError(KindInvalidEntityId, s)
	}
	if containsControlOrZeroWidth(s) {
		return EntityId{}, newValidationError(KindInvalidEntityId, s)
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "http" && u.Scheme != "https" {
		return EntityId{}, newValidationError(KindInvalidEntityId, s)
	}
	if u.Host == "" {
		return EntityId{}, newValidationError(KindInvalidEntityId, s)
	}
	return EntityId{v: s}, nil
}

// Namespace is a validated http(s) URL used to partition entities to a shard
// via a stable hash. Structurally identical to EntityId but kept as its own
// type so a namespace can never be mistaken for a subject.
type Namespace struct{ v string }

func (n Namespace) String() string { return n.v }

// NewNamespace validates s as a Namespace URL.
func NewNamespace(s string) (Namespace, error) {
	if len(s) == 0 || len(s) > maxEntityIDLen {
		return Namespace{}, newValidationError(KindInvalidNamespace, s)
	}
	if containsControlOrZeroWidth(s) {
		return Namespace{}, newValidationError(KindInvalidNamespace, s)
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return Namespace{}, newValidationError(KindInvalidNamespace, s)
	}
	return Namespace{v: s}, nil
}

// CanonicalizeNamespace promotes a short-form namespace label (e.g. "user",
// with no scheme) to a canonical placeholder URL before hashing, so
// "user" and "https://user.graphshard.local/" always land on the same shard.
func CanonicalizeNamespace(short string) Namespace {
	if u, err := url.Parse(short); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		ns, err := NewNamespace(short)
		if err == nil {
			return ns
		}
	}
	placeholder := fmt.Sprintf("https://%s.graphshard.local/", short)
	ns, err := NewNamespace(placeholder)
	if err != nil {
		// Fall back to a deterministic, always-valid placeholder; short-form
		// labels are expected to be identifier-safe, so this path is only
		// reached for pathological input.
		ns, _ = NewNamespace("https://invalid.graphshard.local/")
	}
	return ns
}

// ReversedNamespacePath derives the lakehouse storage path for ns: the
// hostname labels reversed and each prefixed with ".", followed by the URL
// path segments unchanged. "https://a.b.c/p/q" becomes ".c/.b/.a/p/q".
func ReversedNamespacePath(ns Namespace) (string, error) {
	u, err := url.Parse(ns.v)
	if err != nil {
		return "", newValidationError(KindInvalidNamespace, ns.v)
	}
	labels := strings.Split(u.Hostname(), ".")
	reversed := make([]string, len(labels))
	for i, label := range labels {
		reversed[len(labels)-1-i] = "." + label
	}
	path := strings.Trim(u.Path, "/")
	segments := append([]string{}, reversed...)
	if path != "" {
		segments = append(segments, strings.Split(path, "/")...)
	}
	return strings.Join(segments, "/"), nil
}

// ShardID derives the stable shard identifier a namespace routes to:
// "shard-" followed by the lowercase hex FNV-1a hash of its canonical form.
// Used by the planner to pick a target shard and by the CDC transport to
// name the shard side of a registration; both must agree on one namespace
// always producing one shard ID.
func ShardID(ns Namespace) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ns.v))
	return fmt.Sprintf("shard-%x", h.Sum32())
}

// Predicate is an identifier-like string: [$A-Za-z_][A-Za-z0-9_$]*, never
// containing ':' or whitespace.
type Predicate struct{ v string }

func (p Predicate) String() string { return p.v }

// NewPredicate validates s as a Predicate.
func NewPredicate(s string) (Predicate, error) {
	if !isValidPredicate(s) {
		return Predicate{}, newValidationError(KindInvalidPredicate, s)
	}
	return Predicate{v: s}, nil
}

func isValidPredicate(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		isLetter := (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || r == '_' || r == '$'
		isDigit := r >= '0' && r <= '9'
		if i == 0 {
			if !isLetter {
				return false
			}
			continue
		}
		if !isLetter && !isDigit {
			return false
		}
	}
	if strings.ContainsAny(s, ": \t\n\r\v\f") {
		return false
	}
	return true
}

// crockfordAlphabet is the Base32 alphabet used by ULIDs: upper-case,
// excluding I, L, O, U to avoid visual ambiguity.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// TransactionId is a 26-character Crockford Base32 ULID: lexicographically
// sortable, encoding a 48-bit millisecond timestamp followed by 80 bits of
// entropy.
type TransactionId struct{ v string }

func (t TransactionId) String() string { return t.v }

// NewTransactionId validates s as a 26-character Crockford Base32 string.
func NewTransactionId(s string) (TransactionId, error) {
	if len(s) != 26 {
		return TransactionId{}, newValidationError(KindInvalidTransactionId, s)
	}
	for _, r := range s {
		if !strings.ContainsRune(crockfordAlphabet, r) {
			return TransactionId{}, newValidationError(KindInvalidTransactionId, s)
		}
	}
	return TransactionId{v: s}, nil
}

// NewGeneratedTransactionId produces a fresh ULID-form TransactionId for
// timestamp ms (Unix milliseconds), reading 80 bits of entropy from entropy.
// Strict monotonicity within a millisecond (the "monotonic entropy" ULID
// refinement) is not implemented here; a single shard actor serializes its
// own writes, so plain random entropy plus the caller's monotonic timestamp
// (§3 invariant 4) is sufficient for this module's ordering guarantees.
func NewGeneratedTransactionId(entropy func([]byte) (int, error), ms int64) (TransactionId, error) {
	if entropy == nil {
		entropy = rand.Read
	}
	buf := make([]byte, 10)
	if _, err := entropy(buf); err != nil {
		return TransactionId{}, err
	}
	var sb strings.Builder
	sb.Grow(26)
	encodeULIDTime(&sb, ms)
	encodeULIDEntropy(&sb, buf)
	s := sb.String()
	return NewTransactionId(s)
}

func encodeULIDTime(sb *strings.Builder, ms int64) {
	// 48 bits of time -> 10 Crockford characters, 5 bits each.
	var t [10]byte
	for i := 9; i >= 0; i-- {
		t[i] = crockfordAlphabet[ms&0x1F]
		ms >>= 5
	}
	sb.Write(t[:])
}

func encodeULIDEntropy(sb *strings.Builder, entropy []byte) {
	// 80 bits of entropy -> 16 Crockford characters. We bit-pack the 10
	// entropy bytes (80 bits) 5 bits at a time.
	var bitBuf uint64
	var bitLen uint
	var out [16]byte
	outIdx := 0
	for _, b := range entropy {
		bitBuf = (bitBuf << 8) | uint64(b)
		bitLen += 8
		for bitLen >= 5 {
			bitLen -= 5
			idx := (bitBuf >> bitLen) & 0x1F
			out[outIdx] = crockfordAlphabet[idx]
			outIdx++
		}
	}
	if bitLen > 0 && outIdx < 16 {
		idx := (bitBuf << (5 - bitLen)) & 0x1F
		out[outIdx] = crockfordAlphabet[idx]
		outIdx++
	}
	for outIdx < 16 {
		out[outIdx] = '0'
		outIdx++
	}
	sb.Write(out[:16])
}

// NowMillis returns the current Unix time in milliseconds, the clock source
// callers pass to NewGeneratedTransactionId.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func containsControlOrZeroWidth(s string) bool {
	for _, r := range s {
		if r == 0 {
			return true
		}
		if r < 0x20 || r == 0x7f {
			return true
		}
		switch r {
		case 0x200B, 0x200C, 0x200D, 0xFEFF: // zero-width space/joiners, BOM
			return true
		}
	}
	return false
}
