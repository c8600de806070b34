package table

import (
	"errors"
	"strings"

	"github.com/decred/slog"

	"github.com/vctt94/cardtable/pkg/imagecache"
)

// ErrNoAsset is returned when a card name resolves to no image.
var ErrNoAsset = errors.New("no asset found")

// Loader resolves card asset urls and mints new card ids for a State. The
// large image is cached to disk and a small variant generated before the
// card becomes visible to clients.
type Loader struct {
	log    slog.Logger
	images *imagecache.Cache
}

// NewLoader builds a Loader over the image cache.
func NewLoader(log slog.Logger, images *imagecache.Cache) *Loader {
	return &Loader{log: log, images: images}
}

// resolve maps a resource reference to a fetchable url. Absolute and
// already-local references pass through; everything else is relative to the
// state's resource prefix.
func (l *Loader) resolve(s *State, url string) string {
	if strings.HasPrefix(url, "/") ||
		strings.HasPrefix(url, "http:") ||
		strings.HasPrefix(url, "https:") ||
		strings.HasPrefix(url, l.images.Dir()) {
		return url
	}
	return s.ResourcePrefix + url
}

// NewCard mints the next card id for frontURL, caching the large image and
// its small variant. New cards start face down; placement is up to the
// caller.
func (l *Loader) NewCard(s *State, frontURL string) (int, error) {
	if frontURL == "" {
		return 0, ErrNoAsset
	}

	large, err := l.images.Cached(l.resolve(s, frontURL))
	if err != nil {
		return 0, err
	}
	small, err := l.images.EnsureSmall(large)
	if err != nil {
		l.log.Warnf("Failed to resize %s: %v", large, err)
		small = large
	}

	s.HighestID++
	id := s.HighestID
	s.URLs[id] = large
	s.URLsSmall[id] = small
	s.Orientations[id] = -1
	return id, nil
}

// Prime makes sure every asset the state references is cached locally,
// rewriting the state's urls to the cached paths. Used when restoring a
// snapshot whose cache files may have been cleaned. Best effort; a failed
// fetch leaves the original url in place.
func (l *Loader) Prime(s *State) {
	if s.DefaultBackURL != "" {
		if path, err := l.images.Cached(l.resolve(s, s.DefaultBackURL)); err == nil {
			s.DefaultBackURL = path
		} else {
			l.log.Warnf("Failed to cache back url %s: %v", s.DefaultBackURL, err)
		}
	}
	for card, url := range s.URLs {
		large, err := l.images.Cached(l.resolve(s, url))
		if err != nil {
			l.log.Warnf("Failed to cache %s: %v", url, err)
			continue
		}
		s.URLs[card] = large
		if small, err := l.images.EnsureSmall(large); err == nil {
			s.URLsSmall[card] = small
		}
	}
	for card, url := range s.BackURLs {
		if path, err := l.images.Cached(l.resolve(s, url)); err == nil {
			s.BackURLs[card] = path
		}
	}
}
