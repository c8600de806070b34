package server

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/decred/slog"

	"github.com/vctt94/cardtable/pkg/search"
	"github.com/vctt94/cardtable/pkg/store"
)

// Learner warms the query cache in the background by resolving sampled card
// names ahead of demand. Optional; enabled by a server flag.
type Learner struct {
	log      slog.Logger
	finder   *search.Finder
	known    *store.Namespace
	interval time.Duration
}

// NewLearner builds a Learner recording warmed terms in the Knowledge
// namespace so restarts do not refetch them.
func NewLearner(log slog.Logger, db *store.DB, finder *search.Finder, interval time.Duration) (*Learner, error) {
	known, err := store.NewNamespace(db, "Knowledge", 0)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Learner{
		log:      log,
		finder:   finder,
		known:    known,
		interval: interval,
	}, nil
}

// Run loops until ctx is done, warming one batch of sampled names per tick.
func (l *Learner) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.warmOnce()
		}
	}
}

func (l *Learner) warmOnce() {
	for _, source := range l.finder.AllSources() {
		names, err := l.finder.Sample(source)
		if err != nil || len(names) == 0 {
			continue
		}
		for _, name := range names {
			// Deck-list samples carry a leading copy count.
			if i := strings.IndexByte(name, ' '); i > 0 {
				if _, err := strconv.Atoi(name[:i]); err == nil {
					name = name[i+1:]
				}
			}
			key := source + ":" + name
			if known, err := l.known.Contains(key); err == nil && known {
				continue
			}
			if _, _, err := l.finder.Find(source, name, true, 0); err != nil {
				l.log.Debugf("Learner lookup failed for %q: %v", name, err)
				continue
			}
			if err := l.known.Put(key, time.Now().Unix()); err != nil {
				l.log.Errorf("Failed to record learned term %q: %v", key, err)
			}
			l.log.Debugf("Learned %q from %s", name, source)
		}
	}
}
