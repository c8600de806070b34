package search

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
)

// PokerPlugin serves a fixed on-disk directory of 52 playing-card images.
// It performs no remote I/O.
type PokerPlugin struct {
	noDecks
	dir     string
	backURL string

	// rng is shared by every caller of Sample; *rand.Rand is not safe for
	// concurrent use.
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPokerPlugin creates a plugin over dir. The directory is expected to
// hold per-card PNGs named by rank+suit abbreviation (AS.png, 10H.png, ...).
func NewPokerPlugin(dir, backURL string, rng *rand.Rand) *PokerPlugin {
	return &PokerPlugin{dir: dir, backURL: backURL, rng: rng}
}

// BackURL returns the shared card-back asset path.
func (p *PokerPlugin) BackURL() string {
	return p.backURL
}

// Fetch globs the card directory and filters by substring, or by equality
// when exact is set.
func (p *PokerPlugin) Fetch(term string, exact bool, limit int) ([]Card, Meta, error) {
	paths, err := filepath.Glob(filepath.Join(p.dir, "[A-Z0-9][A-Z0-9]*.png"))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to glob %s: %v", p.dir, err)
	}

	needle := strings.ToLower(term)
	var cards []Card
	for _, path := range paths {
		abbrev := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		lower := strings.ToLower(abbrev)
		if exact {
			if needle != lower {
				continue
			}
		} else if !strings.Contains(lower, needle) {
			continue
		}
		cards = append(cards, Card{Name: abbrev, ImgURL: path, InfoURL: path})
		if limit > 0 && len(cards) >= limit {
			break
		}
	}
	return cards, Meta{}, nil
}

// Sample returns five random card names from the deck.
func (p *PokerPlugin) Sample() []string {
	cards, _, err := p.Fetch("", false, 0)
	if err != nil || len(cards) == 0 {
		return nil
	}
	p.mu.Lock()
	p.rng.Shuffle(len(cards), func(i, j int) {
		cards[i], cards[j] = cards[j], cards[i]
	})
	p.mu.Unlock()
	n := 5
	if n > len(cards) {
		n = len(cards)
	}
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = cards[i].Name
	}
	return names
}
