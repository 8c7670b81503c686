// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the BadgerDB-backed result cache.
//
// # Description
//
// Local backends are deterministic: the same prompt and style always
// compose the same document, so finished responses are safe to serve
// again. The cache stores JSON-encoded GenerateResponses keyed by a
// SHA-256 digest of (prompt, style) with a TTL, and collapses
// concurrent identical generations through a singleflight group so at
// most one pipeline run is admitted per key.
//
// The cache is an optimization, never a correctness dependency: every
// read or write error degrades to a miss and the pipeline runs as if
// no cache existed.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/observability"
)

// Key derives the cache key for one generation. Only the inputs that
// determine the rendered document participate; the resource tier does
// not, so a result rendered on an idle host serves the same prompt on
// a busy one.
func Key(prompt, style string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(style))
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for the result cache.
type Config struct {
	// Dir is the directory for BadgerDB files. Required unless
	// InMemory is true; created when missing.
	Dir string

	// InMemory enables in-memory mode (no disk persistence). Useful
	// for testing and for hosts without a writable cache directory.
	InMemory bool

	// TTL is how long a stored response stays servable. Default: 24h.
	TTL time.Duration

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Ignored in in-memory mode; 0 disables.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before
	// GC rewrites a value log file. Default: 0.5.
	GCDiscardRatio float64

	// Logger receives cache and BadgerDB internals logging. If nil,
	// BadgerDB's internal logging is disabled and cache events go to
	// slog.Default().
	Logger *slog.Logger

	// Metrics records cache_ops_total counters; nil means
	// observability.DefaultMetrics().
	Metrics *observability.PipelineMetrics
}

// DefaultConfig returns production defaults: persistent store, 24h
// TTL, 5-minute GC. SyncWrites stays off — a cache may lose its most
// recent writes on a crash without harm.
func DefaultConfig() Config {
	return Config{
		TTL:            24 * time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests and cache-dir-less
// hosts: no disk I/O, no GC runner.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
		TTL:      24 * time.Hour,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// ResultCache
// =============================================================================

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// ResultCache stores finished generation responses.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB handles storage-level locking; the
// singleflight group serializes generations per key; counters are
// atomic.
type ResultCache struct {
	db      *badger.DB
	ttl     time.Duration
	flight  singleflight.Group
	metrics *observability.PipelineMetrics
	logger  *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	hits     atomic.Int64
	misses   atomic.Int64
	sets     atomic.Int64
	errCount atomic.Int64
}

// Open opens the cache with the given configuration.
func Open(cfg Config) (*ResultCache, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("cache dir is required for a persistent cache")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio > 1 {
		cfg.GCDiscardRatio = DefaultConfig().GCDiscardRatio
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(false)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	c := &ResultCache{
		db:      db,
		ttl:     cfg.TTL,
		metrics: metrics,
		logger:  logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.gcStop = make(chan struct{})
		c.gcDone = make(chan struct{})
		go c.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return c, nil
}

// Get looks a response up by key.
//
// # Outputs
//
//   - *GenerateResponse: a fresh copy owned by the caller, with
//     CacheHit set; nil on miss.
//   - bool: whether the key was found and decoded.
//   - error: storage or decode failure. Callers should treat any error
//     as a miss.
func (c *ResultCache) Get(ctx context.Context, key string) (*datatypes.GenerateResponse, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		c.misses.Add(1)
		c.metrics.RecordCacheOp("get", "miss")
		return nil, false, nil
	}
	if err != nil {
		c.errCount.Add(1)
		c.metrics.RecordCacheOp("get", "error")
		return nil, false, fmt.Errorf("cache read: %w", err)
	}

	var resp datatypes.GenerateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.errCount.Add(1)
		c.metrics.RecordCacheOp("get", "error")
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}

	c.hits.Add(1)
	c.metrics.RecordCacheOp("get", "hit")
	resp.Metadata.CacheHit = true
	return &resp, true, nil
}

// Set stores a response under key. A non-positive ttl uses the
// configured default.
func (c *ResultCache) Set(ctx context.Context, key string, resp *datatypes.GenerateResponse, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.errCount.Add(1)
		c.metrics.RecordCacheOp("set", "error")
		return fmt.Errorf("cache encode: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(ttl))
	})
	if err != nil {
		c.errCount.Add(1)
		c.metrics.RecordCacheOp("set", "error")
		return fmt.Errorf("cache write: %w", err)
	}

	c.sets.Add(1)
	c.metrics.RecordCacheOp("set", "ok")
	return nil
}

// GetOrGenerate serves key from the cache, or runs generate exactly
// once for all concurrent callers of the same key and caches its
// result.
//
// # Description
//
// Degraded and fallback responses are returned but never stored: a
// transient failure must not pin a placeholder for the full TTL. A
// failed cache write is logged and the generated response served
// regardless.
//
// # Outputs
//
//   - *GenerateResponse: the cached or freshly generated response.
//     Always a copy the caller may mutate.
//   - bool: true when the caller did not pay for a pipeline run (a
//     cache hit, or another caller's in-flight generation was shared).
//   - error: only what generate returned.
func (c *ResultCache) GetOrGenerate(ctx context.Context, key string, generate func() (*datatypes.GenerateResponse, error)) (*datatypes.GenerateResponse, bool, error) {
	if resp, ok, err := c.Get(ctx, key); ok {
		return resp, true, nil
	} else if err != nil {
		c.logger.Warn("result cache read failed, generating", "error", err)
	}

	type flightResult struct {
		resp *datatypes.GenerateResponse
		hit  bool
	}

	v, err, shared := c.flight.Do(key, func() (interface{}, error) {
		// The key may have been filled while this caller queued.
		if resp, ok, _ := c.Get(ctx, key); ok {
			return flightResult{resp: resp, hit: true}, nil
		}
		resp, err := generate()
		if err != nil {
			return nil, err
		}
		if resp != nil && !resp.Metadata.Degraded && !resp.Metadata.Fallback {
			if err := c.Set(ctx, key, resp, 0); err != nil {
				c.logger.Warn("result cache store failed", "error", err)
			}
		}
		return flightResult{resp: resp}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(flightResult)
	if shared {
		// Followers get their own copy; the leader's response must
		// stay mutation-safe.
		clone := cloneResponse(res.resp)
		clone.Metadata.CacheHit = true
		return clone, true, nil
	}
	return res.resp, res.hit, nil
}

// Stats reports cumulative cache activity.
func (c *ResultCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
		Errors: c.errCount.Load(),
	}
}

// Close stops the GC runner and closes the database. Safe to call
// multiple times.
func (c *ResultCache) Close() error {
	c.closeOnce.Do(func() {
		if c.gcStop != nil {
			close(c.gcStop)
			<-c.gcDone
		}
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

// runGC periodically rewrites value log files that are mostly garbage.
func (c *ResultCache) runGC(interval time.Duration, ratio float64) {
	defer close(c.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.gcStop:
			return
		case <-ticker.C:
			err := c.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				c.logger.Debug("cache value log GC completed")
			case errors.Is(err, badger.ErrNoRewrite):
				// Nothing worth collecting.
			default:
				c.logger.Warn("cache value log GC error", "error", err)
			}
		}
	}
}

// cloneResponse deep-copies a response so concurrent consumers never
// share mutable state.
func cloneResponse(resp *datatypes.GenerateResponse) *datatypes.GenerateResponse {
	if resp == nil {
		return nil
	}
	out := *resp
	if resp.RasterPreview != nil {
		out.RasterPreview = append([]byte(nil), resp.RasterPreview...)
	}
	if resp.Metadata.StagesRun != nil {
		out.Metadata.StagesRun = append([]string(nil), resp.Metadata.StagesRun...)
	}
	if resp.Metadata.StageDurationsMs != nil {
		m := make(map[string]int64, len(resp.Metadata.StageDurationsMs))
		for k, v := range resp.Metadata.StageDurationsMs {
			m[k] = v
		}
		out.Metadata.StageDurationsMs = m
	}
	return &out
}
