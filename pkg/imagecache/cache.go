package imagecache

import (
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/vctt94/cardtable/pkg/store"
)

// Config holds construction parameters for a Cache.
type Config struct {
	Log slog.Logger
	// Dir is the directory holding hashed .jpg files.
	Dir string
	// ServingPrefix is the path under which another server exposes Dir to
	// browsers. URLs starting with it are already local.
	ServingPrefix string
	// SmallWidth and SmallHeight size the @WxH small-image variants.
	SmallWidth  int
	SmallHeight int
}

// Cache maps remote image URLs onto local files, deduplicating fetches. The
// url -> filename mapping is persisted in the CacheMap namespace so the
// inverse mapping survives restarts.
type Cache struct {
	log      slog.Logger
	dir      string
	serving  string
	smallW   int
	smallH   int
	cacheMap *store.Namespace
	client   *http.Client
}

// New creates a Cache backed by db's CacheMap namespace.
func New(cfg Config, db *store.DB) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %v", err)
	}
	cacheMap, err := store.NewNamespace(db, "CacheMap", 0)
	if err != nil {
		return nil, err
	}
	w, h := cfg.SmallWidth, cfg.SmallHeight
	if w == 0 || h == 0 {
		w, h = 140, 200
	}
	return &Cache{
		log:      cfg.Log,
		dir:      cfg.Dir,
		serving:  cfg.ServingPrefix,
		smallW:   w,
		smallH:   h,
		cacheMap: cacheMap,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// hashName derives the stable cached filename for url.
func hashName(url string) string {
	h := fnv.New64a()
	h.Write([]byte("$" + url))
	return fmt.Sprintf("%x.jpg", h.Sum64())
}

func (c *Cache) isLocal(url string) bool {
	return strings.HasPrefix(url, c.dir) ||
		(c.serving != "" && strings.HasPrefix(url, c.serving)) ||
		strings.HasPrefix(url, "/") ||
		strings.HasPrefix(url, "..")
}

// Cached returns the local path for url, fetching and caching the body if it
// is not already present. Local urls are returned unchanged.
func (c *Cache) Cached(url string) (string, error) {
	return c.cached(url, true)
}

// CachedIfPresent returns the cached path for url if one exists, and the
// original url otherwise. It never fetches.
func (c *Cache) CachedIfPresent(url string) string {
	path, err := c.cached(url, false)
	if err != nil || path == "" {
		return url
	}
	return path
}

// CachePeek returns the hashed filename recorded for url in the CacheMap.
func (c *Cache) CachePeek(url string) (string, bool) {
	var name string
	ok, err := c.cacheMap.Get(url, &name)
	if err != nil {
		c.log.Errorf("CacheMap lookup failed for %s: %v", url, err)
		return "", false
	}
	return name, ok
}

func (c *Cache) cached(url string, fetch bool) (string, error) {
	if c.isLocal(url) {
		c.log.Tracef("skip local url: %s", url)
		return url, nil
	}

	name := hashName(url)
	path := filepath.Join(c.dir, name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if !fetch {
		return "", nil
	}

	c.log.Infof("GET %s", url)
	if err := c.download(url, path); err != nil {
		return "", err
	}
	if err := c.cacheMap.Put(url, name); err != nil {
		c.log.Errorf("Failed to record cache entry for %s: %v", url, err)
	}
	return path, nil
}

// download writes the url body to path atomically. Concurrent fetches of the
// same url may race; the last rename wins and both record the same name.
func (c *Cache) download(url, path string) error {
	resp, err := c.client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	tmp := path + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %v", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %v", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
