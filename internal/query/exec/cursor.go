package exec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// cursorFreshness is how long a cursor remains valid after it was minted
// (§4.9: "now - ts <= 1 hour").
const cursorFreshness = time.Hour

// CursorState is the opaque pagination state a cursor string encodes.
type CursorState struct {
	LastID    string `json:"lastId"`
	QueryHash uint64 `json:"queryHash"`
	Ts        int64  `json:"ts"`
	Offset    int    `json:"offset"`
}

// EncodeCursor renders state as the opaque base64-of-JSON string clients
// receive; never documented to clients as parseable (§6).
func EncodeCursor(state CursorState) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ErrCursorMalformed covers base64/JSON decode failures and missing/
// wrong-kind fields (§4.9 validation rules 1-2).
var ErrCursorMalformed = errors.New("exec: cursor is malformed")

// ErrCursorQueryMismatch is returned when a cursor's queryHash doesn't
// match the plan being re-executed (§4.9 validation rule 3).
var ErrCursorQueryMismatch = errors.New("exec: cursor query mismatch")

// ErrCursorExpired is returned once a cursor is older than cursorFreshness
// (§4.9 validation rule 4).
var ErrCursorExpired = errors.New("exec: cursor expired")

// DecodeCursor base64/JSON-decodes s into a CursorState, checking only its
// shape (rule 1-2); freshness and query-hash checks are ValidateCursor's
// job, since those require context DecodeCursor doesn't have.
func DecodeCursor(s string) (CursorState, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return CursorState{}, ErrCursorMalformed
	}
	var state CursorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return CursorState{}, ErrCursorMalformed
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return CursorState{}, ErrCursorMalformed
	}
	for _, k := range []string{"lastId", "queryHash", "ts", "offset"} {
		if v, ok := fields[k]; !ok || string(v) == "null" {
			return CursorState{}, ErrCursorMalformed
		}
	}
	if state.Offset < 0 {
		return CursorState{}, ErrCursorMalformed
	}
	return state, nil
}

// ValidateCursor applies rules 3-4 against an already-shape-validated
// state: queryHash must match planHash, and the cursor must be younger
// than cursorFreshness as of now.
func ValidateCursor(state CursorState, planHash uint64, now time.Time) error {
	if state.QueryHash != planHash {
		return ErrCursorQueryMismatch
	}
	age := now.Sub(time.UnixMilli(state.Ts))
	if age > cursorFreshness {
		return ErrCursorExpired
	}
	return nil
}
