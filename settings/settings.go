// Package settings resolves runtime-tunable configuration from the
// system_config table, with an in-process cache and range validation on
// writes.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ancrage-ai/ancrage/internal/apperr"
	"github.com/ancrage-ai/ancrage/store"
)

// Setting keys. Values are stored as raw JSON.
const (
	KeyHybridAlpha      = "search.hybrid_alpha"
	KeySearchTopK       = "search.top_k"
	KeyRerankEnabled    = "search.rerank_enabled"
	KeyRerankTopK       = "models.reranking.top_k"
	KeyChunkSize        = "chunking.size"
	KeyChunkOverlap     = "chunking.overlap"
	KeyChunkMaxSize     = "chunking.max_size"
	KeyCacheEnabled     = "cache.enabled"
	KeyCacheTTL         = "cache.query_ttl_seconds"
	KeyCacheSimilarity  = "cache.similarity_threshold"
	KeyEmbedBatchSize   = "embedding.batch_size"
	KeyHistoryWindow    = "models.generation.history_window"
	KeyUploadMaxFileMB  = "upload.max_file_mb"
	KeyUploadMaxBatch   = "upload.max_batch"
	KeyUploadExtensions = "upload.allowed_extensions"
)

// currencyPair is the only pair this deployment converts to.
const currencyPair = "USD/XAF"

// fallbackUSDXAF applies until an admin records a real rate.
const fallbackUSDXAF = 600.0

// cacheTTL bounds how stale a resolver read can be after an external
// write to system_config (e.g. another process).
const cacheTTL = 60 * time.Second

type seedEntry struct {
	value       string
	description string
}

var seedDefaults = map[string]seedEntry{
	KeyHybridAlpha:      {"0.7", "dense weight in hybrid retrieval score"},
	KeySearchTopK:       {"10", "candidates returned by hybrid retrieval"},
	KeyRerankEnabled:    {"true", "LLM reranking of retrieval candidates"},
	KeyRerankTopK:       {"3", "candidates kept after reranking"},
	KeyChunkSize:        {"1000", "target chunk size in characters"},
	KeyChunkOverlap:     {"200", "chunk overlap in characters"},
	KeyChunkMaxSize:     {"2000", "hard cap on chunk size in characters"},
	KeyCacheEnabled:     {"true", "semantic query cache"},
	KeyCacheTTL:         {"604800", "query cache entry lifetime in seconds"},
	KeyCacheSimilarity:  {"0.95", "cosine threshold for semantic cache hits"},
	KeyEmbedBatchSize:   {"32", "texts per embedding request"},
	KeyHistoryWindow:    {"5", "conversation turns included in the prompt"},
	KeyUploadMaxFileMB:  {"50", "per-file upload limit in MiB"},
	KeyUploadMaxBatch:   {"10", "files accepted per upload request"},
	KeyUploadExtensions: {`["pdf","docx","pptx","xlsx","txt","md","rtf","png","jpg","jpeg","tiff"]`, "accepted upload extensions"},

	"pricing.default.input_per_mtok":  {"0.15", "fallback input price, USD per MTok"},
	"pricing.default.output_per_mtok": {"0.60", "fallback output price, USD per MTok"},
}

// Resolver reads settings with a short-lived snapshot cache and writes
// them through with validation and history.
type Resolver struct {
	store *store.Store

	mu     sync.RWMutex
	snap   map[string]string
	loaded time.Time
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Seed inserts defaults for keys that have never been set. Existing
// values are left untouched.
func (r *Resolver) Seed(ctx context.Context) error {
	for key, e := range seedDefaults {
		current, err := r.store.GetConfig(ctx, key)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", key, err)
		}
		if current != "" {
			continue
		}
		if err := r.store.SetConfig(ctx, key, e.value, e.description, "seed"); err != nil {
			return fmt.Errorf("seeding %s: %w", key, err)
		}
	}
	r.invalidate()
	return nil
}

func (r *Resolver) invalidate() {
	r.mu.Lock()
	r.snap = nil
	r.mu.Unlock()
}

// raw returns the stored JSON for key, or "" when unset. The snapshot
// is refreshed at most every cacheTTL.
func (r *Resolver) raw(ctx context.Context, key string) string {
	r.mu.RLock()
	snap, loaded := r.snap, r.loaded
	r.mu.RUnlock()

	if snap == nil || time.Since(loaded) > cacheTTL {
		entries, err := r.store.AllConfig(ctx)
		if err != nil {
			// Serve the stale snapshot rather than failing reads.
			if snap != nil {
				return snap[key]
			}
			return ""
		}
		fresh := make(map[string]string, len(entries))
		for _, e := range entries {
			fresh[e.Key] = e.Value
		}
		r.mu.Lock()
		r.snap = fresh
		r.loaded = time.Now()
		r.mu.Unlock()
		snap = fresh
	}
	return snap[key]
}

// Float returns the setting as a float64, or def when unset or invalid.
func (r *Resolver) Float(ctx context.Context, key string, def float64) float64 {
	var v float64
	if raw := r.raw(ctx, key); raw != "" && json.Unmarshal([]byte(raw), &v) == nil {
		return v
	}
	return def
}

// Int returns the setting as an int, or def when unset or invalid.
func (r *Resolver) Int(ctx context.Context, key string, def int) int {
	var v int
	if raw := r.raw(ctx, key); raw != "" && json.Unmarshal([]byte(raw), &v) == nil {
		return v
	}
	return def
}

// Bool returns the setting as a bool, or def when unset or invalid.
func (r *Resolver) Bool(ctx context.Context, key string, def bool) bool {
	var v bool
	if raw := r.raw(ctx, key); raw != "" && json.Unmarshal([]byte(raw), &v) == nil {
		return v
	}
	return def
}

// String returns the setting as a string, or def when unset or invalid.
// Bare (non-JSON) stored values are returned as-is.
func (r *Resolver) String(ctx context.Context, key, def string) string {
	raw := r.raw(ctx, key)
	if raw == "" {
		return def
	}
	var v string
	if json.Unmarshal([]byte(raw), &v) == nil {
		return v
	}
	return raw
}

// Strings returns the setting as a string slice, or def when unset or
// invalid.
func (r *Resolver) Strings(ctx context.Context, key string, def []string) []string {
	var v []string
	if raw := r.raw(ctx, key); raw != "" && json.Unmarshal([]byte(raw), &v) == nil {
		return v
	}
	return def
}

// Set validates and persists a setting, appending the previous value to
// the history table.
func (r *Resolver) Set(ctx context.Context, key, value, updatedBy string) error {
	if err := r.validate(ctx, key, value); err != nil {
		return err
	}
	if err := r.store.SetConfig(ctx, key, value, "", updatedBy); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *Resolver) validate(ctx context.Context, key, value string) error {
	fail := func(format string, args ...any) error {
		return apperr.E(apperr.KindValidation, "settings.set",
			fmt.Errorf("%w: %s: %s", apperr.ErrInvalidConfig, key, fmt.Sprintf(format, args...)))
	}

	switch key {
	case KeyHybridAlpha, KeyCacheSimilarity:
		v, ok := parseFloat(value)
		if !ok || v < 0 || v > 1 {
			return fail("must be a number in [0,1], got %q", value)
		}
	case KeyChunkSize:
		v, ok := parseInt(value)
		if !ok || v < 50 || v > 2048 {
			return fail("must be an integer in [50,2048], got %q", value)
		}
		if overlap := r.Int(ctx, KeyChunkOverlap, 200); overlap >= v {
			return fail("must stay above %s (%d)", KeyChunkOverlap, overlap)
		}
	case KeyChunkOverlap:
		v, ok := parseInt(value)
		if !ok || v < 0 {
			return fail("must be a non-negative integer, got %q", value)
		}
		if size := r.Int(ctx, KeyChunkSize, 1000); v >= size {
			return fail("must stay below %s (%d)", KeyChunkSize, size)
		}
	case KeyChunkMaxSize:
		v, ok := parseInt(value)
		if !ok || v < 50 {
			return fail("must be an integer >= 50, got %q", value)
		}
	case KeyCacheTTL:
		v, ok := parseInt(value)
		if !ok || v <= 0 {
			return fail("must be a positive integer, got %q", value)
		}
	case KeyEmbedBatchSize:
		v, ok := parseInt(value)
		if !ok || v < 1 || v > 256 {
			return fail("must be an integer in [1,256], got %q", value)
		}
	case KeySearchTopK, KeyRerankTopK, KeyHistoryWindow, KeyUploadMaxFileMB, KeyUploadMaxBatch:
		v, ok := parseInt(value)
		if !ok || v < 1 {
			return fail("must be a positive integer, got %q", value)
		}
	case KeyRerankEnabled, KeyCacheEnabled:
		if value != "true" && value != "false" {
			return fail("must be true or false, got %q", value)
		}
	case KeyUploadExtensions:
		var exts []string
		if err := json.Unmarshal([]byte(value), &exts); err != nil || len(exts) == 0 {
			return fail("must be a non-empty JSON string array, got %q", value)
		}
	}
	return nil
}

func parseFloat(raw string) (float64, bool) {
	var v float64
	return v, json.Unmarshal([]byte(raw), &v) == nil
}

func parseInt(raw string) (int, bool) {
	var v int
	return v, json.Unmarshal([]byte(raw), &v) == nil
}

// Tariff returns the per-MTok input and output prices in USD for a
// model, falling back to the default pricing entries.
func (r *Resolver) Tariff(ctx context.Context, model string) (inPerMTok, outPerMTok float64) {
	model = strings.ToLower(model)
	inPerMTok = r.Float(ctx, "pricing."+model+".input_per_mtok",
		r.Float(ctx, "pricing.default.input_per_mtok", 0.15))
	outPerMTok = r.Float(ctx, "pricing."+model+".output_per_mtok",
		r.Float(ctx, "pricing.default.output_per_mtok", 0.60))
	return inPerMTok, outPerMTok
}

// ExchangeRate returns the latest recorded USD/XAF rate, or the
// fallback when none has been recorded.
func (r *Resolver) ExchangeRate(ctx context.Context) (float64, error) {
	rate, err := r.store.LatestExchangeRate(ctx, currencyPair)
	if err != nil {
		return 0, err
	}
	if rate == nil {
		return fallbackUSDXAF, nil
	}
	return rate.Rate, nil
}
