// Package main implements the CDC coordinator service (C10): an HTTP +
// websocket server that accepts shard registrations and CDC event batches
// on /cdc, gates them on a per-shard monotonic sequence, buffers them per
// namespace, and flushes GraphCol blobs to an object store on the size or
// timer trigger described in spec §4.10.
//
// Configuration:
//   - COORDINATOR_LISTEN: listen address (default ":8080")
//   - DATABASE_URL: Postgres connection string for registration/sequence
//     durability (optional; falls back to an in-memory store, meaning
//     lastSequence resets on restart)
//   - S3_BUCKET: bucket for CDC WAL blobs (optional; falls back to an
//     in-memory object store, useful for local runs and tests)
//   - S3_REGION: AWS region for S3_BUCKET (default "us-east-1")
//   - AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY: static credentials
//     (optional; the default AWS credential chain is used otherwise)
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/graphshard/internal/cdc"
	"github.com/dreamware/graphshard/internal/cdcstore"
	"github.com/dreamware/graphshard/internal/kv"
	"github.com/dreamware/graphshard/internal/objectstore"
)

var logFatal = log.Fatalf
var startedAt = time.Now()

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	listen := getenv("COORDINATOR_LISTEN", ":8080")
	ctx := context.Background()

	store, closeStore := openRegistrationStore(ctx)
	defer closeStore()

	objects := openObjectStore(ctx)

	coord, err := cdc.New(store, objects)
	if err != nil {
		logFatal("failed to initialize coordinator: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "uptime": time.Since(startedAt).Seconds()})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(coord.MetricsRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/cdc", coord.HandleWS)
	mux.HandleFunc("/registrations", handleRegistrations(coord))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("coordinator shutdown error: %v", err)
	}
	log.Printf("coordinator stopped")
}

// openRegistrationStore wires a pgx-backed cdcstore.Store when DATABASE_URL
// is set, matching §4.10's "shardRegistrations and lastSequence are
// durable"; otherwise it falls back to an in-memory kv.Store so the
// coordinator still runs standalone for local development and tests.
func openRegistrationStore(ctx context.Context) (kv.Store, func()) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Printf("coordinator: DATABASE_URL unset, using in-memory registration store")
		return kv.NewMemoryStore(), func() {}
	}
	store, err := cdcstore.Open(ctx, dsn)
	if err != nil {
		logFatal("failed to open registration store: %v", err)
		return nil, func() {}
	}
	return store, store.Close
}

// openObjectStore wires an S3Store when S3_BUCKET is set, otherwise an
// in-memory double so standalone runs and integration tests don't need AWS
// credentials to exercise a flush.
func openObjectStore(ctx context.Context) objectstore.ObjectStore {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		log.Printf("coordinator: S3_BUCKET unset, using in-memory object store")
		return objectstore.NewMemoryStore()
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleRegistrations exposes the coordinator's known shard registrations
// as a debugging/admin surface; not part of spec §6's client-facing API,
// but the natural place to observe lastSequence advancing in operation.
func handleRegistrations(coord *cdc.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"registrations": coord.ListRegistrations()})
	}
}
