// Package main implements the graph database's shard service: an HTTP
// server wrapping a single namespace's shard.Shard, exposing the mutation,
// lookup, traversal, filter, and admin operations internal/query/exec
// drives against it, and the CDC transport that streams committed
// mutations to the coordinator.
//
// Configuration:
//   - SHARD_NAMESPACE: the namespace this process serves (required)
//   - SHARD_LISTEN: listen address (default ":8091")
//   - COORDINATOR_ADDR: CDC coordinator base URL (optional; CDC emission
//     is disabled if unset)
//   - S3_BUCKET / S3_REGION / AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY:
//     object store for namespace manifest publication (optional; manifest
//     publishing is skipped if unset)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/graphshard/internal/cdc"
	"github.com/dreamware/graphshard/internal/ident"
	"github.com/dreamware/graphshard/internal/kv"
	"github.com/dreamware/graphshard/internal/metrics"
	"github.com/dreamware/graphshard/internal/objectstore"
	"github.com/dreamware/graphshard/internal/shard"
	"github.com/dreamware/graphshard/internal/triple"
	"github.com/dreamware/graphshard/internal/typedval"
)

var logFatal = log.Fatalf

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}

func main() {
	nsStr := mustGetenv("SHARD_NAMESPACE")
	listen := getenv("SHARD_LISTEN", ":8091")
	coordAddr := os.Getenv("COORDINATOR_ADDR")

	ns, err := ident.NewNamespace(nsStr)
	if err != nil {
		logFatal("invalid SHARD_NAMESPACE: %v", err)
	}

	s, err := shard.New(ns, kv.NewMemoryStore())
	if err != nil {
		logFatal("failed to initialize shard: %v", err)
	}

	if coordAddr != "" {
		client := cdc.NewShardClient(coordAddr, ns)
		if err := client.Connect(context.Background()); err != nil {
			log.Printf("shard[%s]: cdc connect failed, continuing without CDC: %v", ns, err)
		} else {
			s.SetEmitter(client)
		}
	}

	s.ScheduleMaintenance(30 * time.Second)

	objects := openObjectStore(context.Background())

	m := metrics.NewShard()

	wrap := func(op string, next http.HandlerFunc) http.HandlerFunc {
		return withConnTracking(s, m, withOpMetric(m, op, next))
	}

	gaugeStop := make(chan struct{})
	go reportChunkAndSubjectGauges(s, m, 10*time.Second, gaugeStop)

	mux := http.NewServeMux()
	startedAt := time.Now()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "uptime": time.Since(startedAt).Seconds()})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/triples", wrap("insert", handleTriples(s)))
	mux.HandleFunc("/triples/", wrap("triples", handleTriplePath(s)))
	mux.HandleFunc("/entities/", wrap("deleteEntity", handleEntityPath(s)))
	mux.HandleFunc("/lookup", wrap("lookup", handleLookup(s)))
	mux.HandleFunc("/traverse", wrap("traverse", handleTraverse(s)))
	mux.HandleFunc("/expand", wrap("expand", handleExpand(s)))
	mux.HandleFunc("/filter", wrap("filter", handleFilter(s)))
	mux.HandleFunc("/chunks", wrap("chunks", handleChunks(s)))
	mux.HandleFunc("/chunks/compact", wrap("compact", handleCompact(s, objects)))
	mux.HandleFunc("/chunks/stats", wrap("chunkStats", handleChunkStats(s)))
	mux.HandleFunc("/operations", wrap("operations", handleQueueOperation(s)))
	mux.HandleFunc("/config", wrap("config", handleConfig(s)))
	mux.HandleFunc("/info", wrap("info", handleInfo(s)))
	mux.HandleFunc("/stats", wrap("stats", handleStats(s)))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("shard[%s] listening on %s", ns, listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	s.StopMaintenance()
	close(gaugeStop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shard shutdown error: %v", err)
	}
	log.Printf("shard[%s] stopped", ns)
}

func withConnTracking(s *shard.Shard, m *metrics.Shard, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.IncrConnections()
		m.Connections.Inc()
		defer func() {
			s.DecrConnections()
			m.Connections.Dec()
		}()
		next(w, r)
	}
}

// withOpMetric increments m's per-operation counter before delegating, so
// every handler's call volume shows up in /metrics without each handler
// having to touch prometheus itself.
func withOpMetric(m *metrics.Shard, op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Ops.WithLabelValues(op).Inc()
		next(w, r)
	}
}

// reportChunkAndSubjectGauges polls s.GetStats on an interval to keep the
// exported chunk/subject gauges current until stop is closed; snapshot-based
// rather than updated inline at every mutation, since those counts aren't
// tracked incrementally inside shard.Shard.
func reportChunkAndSubjectGauges(s *shard.Shard, m *metrics.Shard, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats, err := s.GetStats()
			if err != nil {
				continue
			}
			m.ChunkCount.Set(float64(stats.Chunks.ChunkCount))
			m.SubjectCount.Set(float64(stats.Triples.SubjectCount))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr renders the structured error envelope {error, message}, deriving
// the error code from the HTTP status, with validation failures from the
// ident constructors surfaced as VALIDATION_ERROR rather than a generic
// BAD_REQUEST.
func writeErr(w http.ResponseWriter, status int, err error) {
	code := "INTERNAL_ERROR"
	switch status {
	case http.StatusBadRequest:
		code = "BAD_REQUEST"
		var ve *ident.ValidationError
		if errors.As(err, &ve) {
			code = "VALIDATION_ERROR"
		}
	case http.StatusNotFound:
		code = "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		code = "METHOD_NOT_ALLOWED"
	case http.StatusNotImplemented:
		code = "NOT_IMPLEMENTED"
	}
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}

// wireTriple is the JSON wire form a shard endpoint accepts/returns for a
// single triple, per §6's small JSON request surface.
type wireTriple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    any    `json:"object"`
	Timestamp int64  `json:"timestamp"`
	TxID      string `json:"txId,omitempty"`
}

// handleTriples serves POST /triples: the body is either a single triple or
// an array of triples; a successful insert returns 201 with
// {success, count}.
func handleTriples(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		var wires []wireTriple
		trimmed := strings.TrimLeft(string(raw), " \t\r\n")
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal(raw, &wires); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
		} else {
			var one wireTriple
			if err := json.Unmarshal(raw, &one); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			wires = []wireTriple{one}
		}
		triples, err := decodeWireTriples(wires)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := s.Insert(triples...); err != nil {
			writeErr(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "count": len(triples)})
	}
}

// triplePath parses the escaped path after /triples/ into a subject and an
// optional predicate. Subjects are themselves URLs, so clients path-escape
// them into a single segment; the predicate, when present, follows as a
// second segment.
func triplePath(r *http.Request) (ident.EntityId, string, error) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/triples/")
	parts := strings.SplitN(rest, "/", 2)
	rawSubject, err := url.PathUnescape(parts[0])
	if err != nil {
		return ident.EntityId{}, "", err
	}
	subject, err := ident.NewEntityId(rawSubject)
	if err != nil {
		return ident.EntityId{}, "", err
	}
	if len(parts) == 1 {
		return subject, "", nil
	}
	pred, err := url.PathUnescape(parts[1])
	if err != nil {
		return ident.EntityId{}, "", err
	}
	return subject, pred, nil
}

// handleTriplePath serves the per-subject triple surface:
//
//	GET    /triples/{subject}              -> {triples: [...]}
//	GET    /triples/{subject}/{predicate}  -> {triple} or 404
//	PUT    /triples/{subject}/{predicate}  -> body {object, txId}
//	DELETE /triples/{subject}/{predicate}?txId=...
func handleTriplePath(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, predStr, err := triplePath(r)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}

		switch r.Method {
		case http.MethodGet:
			if predStr == "" {
				triples := s.Get(subject)
				out := make([]wireTriple, len(triples))
				for i, t := range triples {
					out[i] = encodeWireTriple(t)
				}
				writeJSON(w, http.StatusOK, map[string]any{"triples": out})
				return
			}
			pred, err := ident.NewPredicate(predStr)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			t, ok := s.GetPredicate(subject, pred)
			if !ok {
				writeErr(w, http.StatusNotFound, jsonErr("not found"))
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"triple": encodeWireTriple(t)})

		case http.MethodPut:
			pred, err := requirePredicate(predStr)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			var req struct {
				Object any    `json:"object"`
				TxID   string `json:"txId"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			obj, err := wireValueToObject(req.Object)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			txID, err := resolveTxID(req.TxID)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			if err := s.Update(subject, pred, obj, txID); err != nil {
				writeErr(w, http.StatusConflict, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true})

		case http.MethodDelete:
			pred, err := requirePredicate(predStr)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			txID, err := resolveTxID(r.URL.Query().Get("txId"))
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			if err := s.Delete(subject, pred, txID); err != nil {
				writeErr(w, http.StatusConflict, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true})

		default:
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		}
	}
}

func requirePredicate(predStr string) (ident.Predicate, error) {
	if predStr == "" {
		return ident.Predicate{}, jsonErr("predicate segment required")
	}
	return ident.NewPredicate(predStr)
}

// handleEntityPath serves DELETE /entities/{subject}?txId=..., tombstoning
// every current predicate of the subject.
func handleEntityPath(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}
		rawSubject, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/entities/"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		subject, err := ident.NewEntityId(rawSubject)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		txID, err := resolveTxID(r.URL.Query().Get("txId"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := s.DeleteEntity(subject, txID); err != nil {
			writeErr(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// parseEntityIDList validates a batch of raw entity id strings, skipping
// blanks; used by every handler accepting an "entityIds" field.
func parseEntityIDList(raw []string) ([]ident.EntityId, error) {
	ids := make([]ident.EntityId, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := ident.NewEntityId(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// entityToWire flattens a materialized entity into the JSON shape clients
// see: $id/$type/$context plus one key per predicate.
func entityToWire(e triple.Entity) map[string]any {
	out := map[string]any{"$id": e.ID, "$type": e.Type}
	if e.Context != nil {
		out["$context"] = e.Context
	}
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}

// lookupEntitiesOrdered materializes ids against s, preserving ids' order
// and omitting any id with no current triples (§6 "preserving input order,
// omitting missing"). Returns the flattened entities and the flat union of
// their current triples.
func lookupEntitiesOrdered(s *shard.Shard, ids []ident.EntityId) ([]map[string]any, []wireTriple) {
	results := s.Lookup(ids)
	entities := make([]map[string]any, 0, len(ids))
	var triples []wireTriple
	for _, id := range ids {
		ts, ok := results[id.String()]
		if !ok || len(ts) == 0 {
			continue
		}
		entities = append(entities, entityToWire(triple.Materialize(id, ts)))
		for _, t := range ts {
			triples = append(triples, encodeWireTriple(t))
		}
	}
	return entities, triples
}

// handleLookup serves both the client-facing GET form (§6: "GET
// /lookup?ids=a,b,c — [entity]") and the executor-to-shard POST contract
// (§4.9/§6: "{entities, triples}") C9's Executor drives.
func handleLookup(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			var raw []string
			if q := r.URL.Query().Get("ids"); q != "" {
				raw = strings.Split(q, ",")
			}
			ids, err := parseEntityIDList(raw)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			entities, _ := lookupEntitiesOrdered(s, ids)
			writeJSON(w, http.StatusOK, entities)

		case http.MethodPost:
			var req struct {
				EntityIDs []string `json:"entityIds"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			ids, err := parseEntityIDList(req.EntityIDs)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			entities, triples := lookupEntitiesOrdered(s, ids)
			writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "triples": triples})

		default:
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		}
	}
}

// traverseDirection maps the executor contract's "outgoing"/"incoming"
// onto the shard's internal forward/reverse Direction.
func traverseDirection(wire string) shard.Direction {
	if wire == "incoming" {
		return shard.DirectionReverse
	}
	return shard.DirectionForward
}

// handleTraverse serves both the single-entity GET form (§6: "GET
// /traverse?from=…&predicate=… — [entity]") and the executor-to-shard
// batch POST contract ("{entityIds, predicate?, direction} ->
// {entities, triples}"), deduplicating neighbors reached from more than
// one source entity.
func handleTraverse(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			from, err := ident.NewEntityId(r.URL.Query().Get("from"))
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			pred, err := ident.NewPredicate(r.URL.Query().Get("predicate"))
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			dir := shard.DirectionForward
			if r.URL.Query().Get("direction") == "incoming" {
				dir = shard.DirectionReverse
			}
			neighbors, err := s.Traverse(from, pred, dir)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			entities, _ := lookupEntitiesOrdered(s, neighbors)
			writeJSON(w, http.StatusOK, entities)

		case http.MethodPost:
			var req struct {
				EntityIDs []string `json:"entityIds"`
				Predicate string  `json:"predicate"`
				Direction string  `json:"direction"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			ids, err := parseEntityIDList(req.EntityIDs)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			pred, err := ident.NewPredicate(req.Predicate)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			dir := traverseDirection(req.Direction)

			seen := make(map[string]struct{}, len(ids))
			var neighbors []ident.EntityId
			for _, id := range ids {
				next, err := s.Traverse(id, pred, dir)
				if err != nil {
					writeErr(w, http.StatusBadRequest, err)
					return
				}
				for _, n := range next {
					if _, dup := seen[n.String()]; dup {
						continue
					}
					seen[n.String()] = struct{}{}
					neighbors = append(neighbors, n)
				}
			}
			entities, triples := lookupEntitiesOrdered(s, neighbors)
			writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "triples": triples})

		default:
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		}
	}
}

// handleExpand serves the executor-to-shard POST contract (§4.9/§6):
// materializes entityIds and, when fields is non-empty, projects each
// entity down to $id/$type/$context plus the named fields.
func handleExpand(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}
		var req struct {
			EntityIDs []string `json:"entityIds"`
			Fields    []string `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		ids, err := parseEntityIDList(req.EntityIDs)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		entities, triples := lookupEntitiesOrdered(s, ids)
		if len(req.Fields) > 0 {
			entities = projectWireFields(entities, req.Fields)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "triples": triples})
	}
}

// projectWireFields keeps $id/$type/$context plus any field named in
// fields, dropping the rest (§4.9 "projectFields... always retains $id,
// $type, $context; other fields are included only if named").
func projectWireFields(entities []map[string]any, fields []string) []map[string]any {
	keep := map[string]struct{}{"$id": {}, "$type": {}, "$context": {}}
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	out := make([]map[string]any, len(entities))
	for i, e := range entities {
		proj := make(map[string]any, len(keep))
		for k, v := range e {
			if _, ok := keep[k]; ok {
				proj[k] = v
			}
		}
		out[i] = proj
	}
	return out
}

// handleFilter serves both the client-facing GET form (§6: "GET
// /filter?field=…&op=…&value=…" -> [entity]) and a JSON POST form that
// returns the matching triples directly.
func handleFilter(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			field, err := ident.NewPredicate(r.URL.Query().Get("field"))
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			value := queryValueToObject(r.URL.Query().Get("value"))
			matches := s.Filter(field, shard.FilterOp(r.URL.Query().Get("op")), value)
			seen := make(map[string]struct{}, len(matches))
			var subjects []ident.EntityId
			for _, t := range matches {
				key := t.Subject.String()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				subjects = append(subjects, t.Subject)
			}
			entities, _ := lookupEntitiesOrdered(s, subjects)
			writeJSON(w, http.StatusOK, entities)

		case http.MethodPost:
			var req struct {
				Field string `json:"field"`
				Op    string `json:"op"`
				Value any    `json:"value"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			field, err := ident.NewPredicate(req.Field)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			value, err := wireValueToObject(req.Value)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			triples := s.Filter(field, shard.FilterOp(req.Op), value)
			out := make([]wireTriple, len(triples))
			for i, t := range triples {
				out[i] = encodeWireTriple(t)
			}
			writeJSON(w, http.StatusOK, map[string]any{"triples": out})

		default:
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		}
	}
}

// queryValueToObject infers a typed value from a query-string literal:
// booleans and numbers are narrowed, everything else stays a string —
// mirroring the query language's own bare-literal handling.
func queryValueToObject(raw string) typedval.TypedObject {
	switch raw {
	case "true":
		return typedval.NewBoolObject(true)
	case "false":
		return typedval.NewBoolObject(false)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if f == float64(int64(f)) {
			return typedval.NewInt64Object(int64(f))
		}
		return typedval.NewFloat64Object(f)
	}
	return typedval.NewStringObject(raw)
}

func handleChunks(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			chunkID := r.URL.Query().Get("id")
			if chunkID != "" {
				rec, err := s.GetChunk(chunkID)
				if err != nil {
					writeErr(w, http.StatusNotFound, err)
					return
				}
				writeJSON(w, http.StatusOK, rec)
				return
			}
			chunks, err := s.ListChunks()
			if err != nil {
				writeErr(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
		case http.MethodDelete:
			chunkID := r.URL.Query().Get("id")
			if err := s.DeleteChunk(chunkID); err != nil {
				writeErr(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		}
	}
}

func handleCompact(s *shard.Shard, objects objectstore.ObjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		compacted, err := s.Compact()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		if compacted && objects != nil {
			if err := s.Chunks.PublishManifest(r.Context(), objects); err != nil {
				log.Printf("shard[%s]: manifest publish failed: %v", s.Namespace, err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]bool{"compacted": compacted})
	}
}

// openObjectStore wires an S3-backed object store for manifest publication
// when S3_BUCKET is set; a nil return disables publishing rather than
// substituting an in-memory double, since a shard's manifest is only
// meaningful when it lands somewhere a lakehouse reader can see it.
func openObjectStore(ctx context.Context) objectstore.ObjectStore {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		return nil
	}
	region := getenv("S3_REGION", "us-east-1")
	store, err := objectstore.NewS3Store(ctx, region, bucket,
		os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"))
	if err != nil {
		logFatal("failed to initialize object store: %v", err)
		return nil
	}
	return store
}

func handleChunkStats(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.ChunkStats()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleQueueOperation(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				ID   string `json:"id"`
				Kind string `json:"kind"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			op := s.QueueOperation(req.ID, req.Kind)
			if req.Kind == "compact" {
				go s.RunCompactionOperation(req.ID)
			}
			writeJSON(w, http.StatusAccepted, op)
		case http.MethodGet:
			id := r.URL.Query().Get("id")
			op, ok := s.OperationStatus(id)
			if !ok {
				writeErr(w, http.StatusNotFound, jsonErr("not found"))
				return
			}
			writeJSON(w, http.StatusOK, op)
		default:
			writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		}
	}
}

func handleConfig(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, s.Config())
			return
		}
		var cfg shard.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := s.SetConfig(cfg); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

func handleInfo(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.Info()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"info":              info,
			"connectionCount":   s.ConnectionCount(),
		})
	}
}

func handleStats(s *shard.Shard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.GetStats()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

var errMethodNotAllowed = jsonErr("method not allowed")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

func decodeWireTriples(wires []wireTriple) ([]triple.Triple, error) {
	out := make([]triple.Triple, 0, len(wires))
	for _, w := range wires {
		subject, pred, obj, txID, err := decodeWireTripleParts(w)
		if err != nil {
			return nil, err
		}
		ts := w.Timestamp
		if ts == 0 {
			ts = ident.NowMillis()
		}
		out = append(out, triple.New(subject, pred, obj, ts, txID))
	}
	return out, nil
}

func decodeWireTripleParts(w wireTriple) (ident.EntityId, ident.Predicate, typedval.TypedObject, ident.TransactionId, error) {
	subject, err := ident.NewEntityId(w.Subject)
	if err != nil {
		return ident.EntityId{}, ident.Predicate{}, typedval.TypedObject{}, ident.TransactionId{}, err
	}
	pred, err := ident.NewPredicate(w.Predicate)
	if err != nil {
		return ident.EntityId{}, ident.Predicate{}, typedval.TypedObject{}, ident.TransactionId{}, err
	}
	obj, err := wireValueToObject(w.Object)
	if err != nil {
		return ident.EntityId{}, ident.Predicate{}, typedval.TypedObject{}, ident.TransactionId{}, err
	}
	txID, err := resolveTxID(w.TxID)
	if err != nil {
		return ident.EntityId{}, ident.Predicate{}, typedval.TypedObject{}, ident.TransactionId{}, err
	}
	return subject, pred, obj, txID, nil
}

func resolveTxID(s string) (ident.TransactionId, error) {
	if s == "" {
		return ident.NewGeneratedTransactionId(nil, ident.NowMillis())
	}
	return ident.NewTransactionId(s)
}

// wireValueToObject infers a TypedObject from a JSON-decoded value. This is
// a pragmatic scalar mapping (bool/float64/string/nil, a REF from an object
// with "@ref", a REF_ARRAY from an array of such objects); richer types (geo, vector, binary) are
// addressed via the typed triple APIs when exact tagging matters.
func wireValueToObject(v any) (typedval.TypedObject, error) {
	switch val := v.(type) {
	case nil:
		return typedval.NewNullObject(), nil
	case bool:
		return typedval.NewBoolObject(val), nil
	case float64:
		if val == float64(int64(val)) {
			return typedval.NewInt64Object(int64(val)), nil
		}
		return typedval.NewFloat64Object(val), nil
	case string:
		return typedval.NewStringObject(val), nil
	case map[string]any:
		if ref, ok := val["@ref"].(string); ok {
			id, err := ident.NewEntityId(ref)
			if err != nil {
				return typedval.TypedObject{}, err
			}
			return typedval.NewRefObject(id), nil
		}
		return typedval.NewJSONObject(val), nil
	case []any:
		if refs, ok := allRefStrings(val); ok {
			ids := make([]ident.EntityId, len(refs))
			for i, r := range refs {
				id, err := ident.NewEntityId(r)
				if err != nil {
					return typedval.TypedObject{}, err
				}
				ids[i] = id
			}
			return typedval.NewRefArrayObject(ids), nil
		}
		return typedval.NewJSONObject(val), nil
	default:
		return typedval.NewJSONObject(val), nil
	}
}

func allRefStrings(v []any) ([]string, bool) {
	out := make([]string, 0, len(v))
	for _, item := range v {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		ref, ok := m["@ref"].(string)
		if !ok {
			return nil, false
		}
		out = append(out, ref)
	}
	return out, true
}

func encodeWireTriple(t triple.Triple) wireTriple {
	return wireTriple{
		Subject:   t.Subject.String(),
		Predicate: t.Predicate.String(),
		Object:    objectToWireValue(t.Object),
		Timestamp: t.Timestamp,
		TxID:      t.TxID.String(),
	}
}

func objectToWireValue(o typedval.TypedObject) any {
	switch o.Tag {
	case typedval.Null:
		return nil
	case typedval.Bool:
		return o.BoolValue()
	case typedval.Int32:
		return o.Int32Value()
	case typedval.Int64:
		return o.Int64Value()
	case typedval.Float64:
		return o.Float64Value()
	case typedval.String, typedval.URL:
		return o.StringValue()
	case typedval.Ref:
		return map[string]string{"@ref": o.RefValue().String()}
	case typedval.RefArray:
		refs := o.RefsValue()
		out := make([]map[string]string, len(refs))
		for i, r := range refs {
			out[i] = map[string]string{"@ref": r.String()}
		}
		return out
	case typedval.Vector:
		return o.VectorValue()
	default:
		return nil
	}
}

