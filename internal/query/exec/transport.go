// Package exec implements the query executor (C9): it drives a plan's
// ordered PlanSteps against shard HTTP endpoints, accumulating a visited
// set and frontier, enforcing the absolute depth/timeout caps, and
// materializing, filtering, and projecting the results.
package exec

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/transport"
)

// ShardResolver maps a shard id (as produced by internal/query/plan) to the
// base URL of the process currently serving it. A real deployment would
// back this with the same shard-registry idiom internal/cdc.Coordinator
// uses for CDC registrations; tests and single-process deployments can use
// StaticShardResolver.
type ShardResolver interface {
	Addr(shardID string) (string, error)
}

// StaticShardResolver is a fixed shardID->baseURL map, adequate for tests
// and for deployments where shard placement is configured rather than
// discovered.
type StaticShardResolver map[string]string

func (m StaticShardResolver) Addr(shardID string) (string, error) {
	addr, ok := m[shardID]
	if !ok {
		return "", fmt.Errorf("exec: no address registered for shard %q", shardID)
	}
	return addr, nil
}

// ExecutionError is raised when a shard round-trip fails; it names the
// shard, the HTTP status observed, and a truncated list of the entity ids
// the call was acting on, per §4.9's transport-contract error shape.
type ExecutionError struct {
	ShardID    string
	StatusCode int
	EntityIDs  []string
}

const maxEchoedIDs = 10

func (e *ExecutionError) Error() string {
	ids := e.EntityIDs
	truncated := false
	if len(ids) > maxEchoedIDs {
		ids = ids[:maxEchoedIDs]
		truncated = true
	}
	suffix := ""
	if truncated {
		suffix = ", ..."
	}
	return fmt.Sprintf("exec: shard %s returned http %d for entities %v%s", e.ShardID, e.StatusCode, ids, suffix)
}

// statusFromErr extracts the HTTP status from a transport.HTTPError; it
// returns 0 when err was not an HTTP-status failure (e.g. a network error).
func statusFromErr(err error) int {
	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// wireTriple mirrors cmd/shard's wire triple shape; kept duplicated rather
// than imported since cmd/shard is a main package.
type wireTriple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    any    `json:"object"`
	Timestamp int64  `json:"timestamp"`
	TxID      string `json:"txId,omitempty"`
}

type lookupResponse struct {
	Entities []map[string]any `json:"entities"`
	Triples  []wireTriple     `json:"triples"`
}

// Client calls a shard's executor-facing endpoints (/lookup, /traverse,
// /expand), reusing internal/transport's PostJSON helper unchanged.
type Client struct {
	resolver ShardResolver
}

// NewClient builds a Client routing through resolver.
func NewClient(resolver ShardResolver) *Client {
	return &Client{resolver: resolver}
}

// Lookup calls POST /lookup {entityIds} on shardID's shard.
func (c *Client) Lookup(ctx context.Context, shardID string, ids []ident.EntityId) ([]wireTriple, error) {
	addr, err := c.resolver.Addr(shardID)
	if err != nil {
		return nil, err
	}
	req := struct {
		EntityIDs []string `json:"entityIds"`
	}{EntityIDs: stringifyIDs(ids)}
	var resp lookupResponse
	if err := transport.PostJSON(ctx, addr+"/lookup", req, &resp); err != nil {
		return nil, &ExecutionError{ShardID: shardID, StatusCode: statusFromErr(err), EntityIDs: req.EntityIDs}
	}
	return resp.Triples, nil
}

// Traverse calls POST /traverse {entityIds, predicate, direction} on
// shardID's shard. direction is "outgoing" or "incoming". It returns the
// neighbor triples plus the neighbor entity ids themselves (read off the
// response's $id fields, not re-derived from the triples — a reverse
// traversal's triples belong to the origin subjects, not the neighbors).
func (c *Client) Traverse(ctx context.Context, shardID string, ids []ident.EntityId, predicate, direction string) ([]wireTriple, []string, error) {
	addr, err := c.resolver.Addr(shardID)
	if err != nil {
		return nil, nil, err
	}
	req := struct {
		EntityIDs []string `json:"entityIds"`
		Predicate string   `json:"predicate"`
		Direction string   `json:"direction"`
	}{EntityIDs: stringifyIDs(ids), Predicate: predicate, Direction: direction}
	var resp lookupResponse
	if err := transport.PostJSON(ctx, addr+"/traverse", req, &resp); err != nil {
		return nil, nil, &ExecutionError{ShardID: shardID, StatusCode: statusFromErr(err), EntityIDs: req.EntityIDs}
	}
	return resp.Triples, entityIDs(resp.Entities), nil
}

func entityIDs(entities []map[string]any) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		if id, ok := e["$id"].(string); ok {
			out = append(out, id)
		}
	}
	return out
}

// Expand calls POST /expand {entityIds, fields} on shardID's shard.
func (c *Client) Expand(ctx context.Context, shardID string, ids []ident.EntityId, fields []string) ([]wireTriple, error) {
	addr, err := c.resolver.Addr(shardID)
	if err != nil {
		return nil, err
	}
	req := struct {
		EntityIDs []string `json:"entityIds"`
		Fields    []string `json:"fields"`
	}{EntityIDs: stringifyIDs(ids), Fields: fields}
	var resp lookupResponse
	if err := transport.PostJSON(ctx, addr+"/expand", req, &resp); err != nil {
		return nil, &ExecutionError{ShardID: shardID, StatusCode: statusFromErr(err), EntityIDs: req.EntityIDs}
	}
	return resp.Triples, nil
}

func stringifyIDs(ids []ident.EntityId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
