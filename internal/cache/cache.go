// Package cache provides caching for encoded frames and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	FrameCacheSizeMB int
	FrameTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages the frame and query caches.
type Manager struct {
	frameCache *bigcache.BigCache
	queryCache *lru.Cache[string, any]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	frameCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.FrameTTL,
		CleanWindow:        cfg.FrameTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // bytes, initial sizing hint
		HardMaxCacheSize:   cfg.FrameCacheSizeMB,
		Verbose:            false,
	}

	frameCache, err := bigcache.New(context.Background(), frameCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	queryCache, err := lru.New[string, any](cfg.QueryCacheSize)
	if err != nil {
		frameCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		frameCache: frameCache,
		queryCache: queryCache,
	}, nil
}

// GetFrame retrieves an encoded frame from cache.
func (m *Manager) GetFrame(key string) ([]byte, bool) {
	data, err := m.frameCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFrame stores an encoded frame in cache.
func (m *Manager) SetFrame(key string, data []byte) error {
	return m.frameCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) (any, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, v any) {
	m.queryCache.Add(key, v)
}

// Purge drops every cached frame and query result.
func (m *Manager) Purge() {
	m.frameCache.Reset()
	m.queryCache.Purge()
}

// FrameKey generates a cache key for a frame at a given state version.
func FrameKey(version uint64, x, y, w, h, rotation float64, width, height int, overlay bool) string {
	return fmt.Sprintf("frame:%d:%g,%g,%g,%g,%g:%dx%d:%t", version, x, y, w, h, rotation, width, height, overlay)
}

// LegendKey generates a cache key for the legend image.
func LegendKey(version uint64) string {
	return fmt.Sprintf("legend:%d", version)
}

// AnalysisKey generates a cache key for a region analysis. datasets are the
// ids the analysis ran over; their order does not matter.
func AnalysisKey(version uint64, regionID string, datasets []string) string {
	base := fmt.Sprintf("analysis:%d:%s", version, regionID)
	if len(datasets) == 0 {
		return base
	}
	sorted := append([]string(nil), datasets...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// MarkersKey generates a cache key for a level-of-detail marker query.
func MarkersKey(version uint64, datasetID, group string, x, y, w, h float64) string {
	return fmt.Sprintf("markers:%d:%s:%s:%g,%g,%g,%g", version, datasetID, group, x, y, w, h)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frame_cache_len":  m.frameCache.Len(),
		"frame_cache_cap":  m.frameCache.Capacity(),
		"frame_cache_hits": m.frameCache.Stats().Hits,
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.frameCache.Close()
}
