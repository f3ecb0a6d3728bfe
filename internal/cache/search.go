// Package cache memoizes upstream search responses on disk. Entries are
// keyed by a digest of (storefront, query parameters), aged by file mtime,
// and evicted oldest-first when the directory outgrows its size cap.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lyjw131/amdl/config"
)

// evictTargetRatio is how far below the cap an eviction pass shrinks the
// directory, so back-to-back stores don't each trigger a full scan.
const evictTargetRatio = 0.8

type SearchCache struct {
	dir      string
	ttl      time.Duration
	capBytes int64
}

func New(dir string, cfg config.SearchCacheConfig) *SearchCache {
	return &SearchCache{
		dir:      dir,
		ttl:      time.Duration(cfg.TTLMinutes) * time.Minute,
		capBytes: int64(cfg.CapMB) * 1024 * 1024,
	}
}

// Key derives the cache file name: MD5 of the storefront and the
// canonical-JSON form of the query parameters (sorted keys, first value per
// key).
func Key(storefront string, params url.Values) string {
	canonical := make(map[string]string, len(params))
	for k := range params {
		canonical[k] = params.Get(k)
	}
	// encoding/json sorts map keys, which is exactly the canonical form.
	encoded, _ := json.Marshal(canonical)
	sum := md5.Sum([]byte(storefront + ":" + string(encoded)))
	return hex.EncodeToString(sum[:])
}

func (c *SearchCache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Lookup returns the cached response for (storefront, params), or false on a
// miss. Expired and corrupt entries are deleted and reported as misses.
func (c *SearchCache) Lookup(storefront string, params url.Values) (json.RawMessage, bool) {
	path := c.entryPath(Key(storefront, params))

	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > c.ttl {
		os.Remove(path)
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !json.Valid(data) {
		slog.Warn("removing corrupt cache entry", "path", path)
		os.Remove(path)
		return nil, false
	}
	return data, true
}

// Store persists a successful response, evicting old entries first when the
// directory exceeds its cap.
func (c *SearchCache) Store(storefront string, params url.Values, body []byte) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	if err := c.evictIfNeeded(); err != nil {
		slog.Warn("cache eviction failed", "error", err)
	}
	path := c.entryPath(Key(storefront, params))
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Purge removes every entry. Used for the optional startup clean.
func (c *SearchCache) Purge() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
	slog.Info("search cache purged", "dir", c.dir)
	return nil
}

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *SearchCache) evictIfNeeded() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var (
		files []cacheEntry
		total int64
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheEntry{
			path:    filepath.Join(c.dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	if total <= c.capBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	target := int64(float64(c.capBytes) * evictTargetRatio)
	removed := 0
	for _, f := range files {
		if total <= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		removed++
	}
	slog.Info("search cache evicted", "removed", removed, "remaining_bytes", total)
	return nil
}
