package search

import (
	"errors"
	"fmt"
	"sort"

	"github.com/decred/slog"

	"github.com/vctt94/cardtable/pkg/imagecache"
	"github.com/vctt94/cardtable/pkg/store"
)

var (
	// ErrSourceNotFound is returned when a query names an unknown plugin.
	ErrSourceNotFound = errors.New("source not found")
	// ErrUpstream wraps plugin-level fetch failures.
	ErrUpstream = errors.New("upstream error")
)

// Finder dispatches card queries to plugins, memoizing results in the
// QueryCache namespace and rewriting image urls through the image cache.
type Finder struct {
	log        slog.Logger
	plugins    map[string]Plugin
	queryCache *store.Namespace
	images     *imagecache.Cache
}

// cachedResult is the value stored per query-cache key.
type cachedResult struct {
	Cards []Card `json:"cards"`
	Meta  Meta   `json:"meta"`
}

// NewFinder builds a Finder over the given plugin registry.
func NewFinder(log slog.Logger, db *store.DB, images *imagecache.Cache, plugins map[string]Plugin) (*Finder, error) {
	queryCache, err := store.NewNamespace(db, "QueryCache", 0)
	if err != nil {
		return nil, err
	}
	return &Finder{
		log:        log,
		plugins:    plugins,
		queryCache: queryCache,
		images:     images,
	}, nil
}

func cacheKey(source, term string, exact bool, limit int) string {
	return fmt.Sprintf("(%s, %s, %t, %d)", source, term, exact, limit)
}

// Find returns (cards, meta) for term against source. Results are memoized;
// failures are not cached, so the next call retries the plugin.
func (f *Finder) Find(source, term string, exact bool, limit int) ([]Card, Meta, error) {
	plugin, ok := f.plugins[source]
	if !ok {
		return nil, Meta{}, fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}

	key := cacheKey(source, term, exact, limit)
	var result cachedResult
	hit, err := f.queryCache.Get(key, &result)
	if err != nil {
		f.log.Errorf("QueryCache lookup failed for %s: %v", key, err)
	}
	if hit {
		f.log.Debugf("Cache HIT on %s", key)
	} else {
		f.log.Debugf("Cache miss on %s", key)
		cards, meta, err := plugin.Fetch(term, exact, limit)
		if err != nil {
			return nil, Meta{}, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		result = cachedResult{Cards: cards, Meta: meta}
		// An empty result may be a transient upstream hiccup; only
		// non-empty fetches are worth pinning forever.
		if len(cards) > 0 {
			if err := f.queryCache.Put(key, result); err != nil {
				f.log.Errorf("Failed to cache result for %s: %v", key, err)
			}
		}
	}

	// Clients see the cached local path whenever the image is already
	// on disk.
	cards := make([]Card, len(result.Cards))
	for i, c := range result.Cards {
		c.ImgURL = f.images.CachedIfPresent(c.ImgURL)
		cards[i] = c
	}
	return cards, result.Meta, nil
}

// AllSources lists the registered plugin names, sorted.
func (f *Finder) AllSources() []string {
	names := make([]string, 0, len(f.plugins))
	for name := range f.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsValid reports whether source names a registered plugin.
func (f *Finder) IsValid(source string) bool {
	_, ok := f.plugins[source]
	return ok
}

// BackURL returns the back-image URL for source, or "" for unknown sources.
func (f *Finder) BackURL(source string) string {
	if plugin, ok := f.plugins[source]; ok {
		return plugin.BackURL()
	}
	return ""
}

// Sample forwards to the plugin's Sample.
func (f *Finder) Sample(source string) ([]string, error) {
	plugin, ok := f.plugins[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}
	return plugin.Sample(), nil
}

// SampleDeck forwards to the plugin's SampleDeck.
func (f *Finder) SampleDeck(source, term string, numDecks int) (map[string][]string, error) {
	plugin, ok := f.plugins[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}
	return plugin.SampleDeck(term, numDecks), nil
}

// Complete forwards to the plugin's Complete.
func (f *Finder) Complete(source, prefix string) ([]string, error) {
	plugin, ok := f.plugins[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}
	return plugin.Complete(prefix), nil
}
