package search

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
)

// stopWords are dropped from deck-theme terms.
var stopWords = map[string]bool{
	"of": true, "a": true, "the": true, "in": true,
}

// DeckGen manufactures themed deck lists from the catalog.
type DeckGen struct {
	catalog *Catalog
}

// NewDeckGen returns a deck synthesizer over cat.
func NewDeckGen(cat *Catalog) *DeckGen {
	return &DeckGen{catalog: cat}
}

// MakeDeck builds one unthemed deck with lands picked uniformly at random.
func (g *DeckGen) MakeDeck() []string {
	if !g.catalog.Initialized() {
		return nil
	}
	rng := rand.New(rand.NewSource(rand.Int63()))
	land1 := basicLands[rng.Intn(len(basicLands))]
	land2 := basicLands[rng.Intn(len(basicLands))]
	return g.buildDeck(land1, land2, nil, rng)
}

// buildDeck assembles the land base plus the spell complement of each land's
// color.
func (g *DeckGen) buildDeck(land1, land2 string, theme []string, rng *rand.Rand) []string {
	var base []string
	if land1 == land2 {
		base = []string{"24 " + land1}
	} else {
		base = []string{"12 " + land1, "12 " + land2}
	}

	allowed := map[string]bool{
		colorByLand[land1]: true,
		colorByLand[land2]: true,
	}
	taken := make(map[string]bool)
	var cards []string
	cards = append(cards, g.complement(colorByLand[land1], allowed, taken, theme, rng)...)
	cards = append(cards, g.complement(colorByLand[land2], allowed, taken, theme, rng)...)
	sort.Sort(sort.Reverse(sort.StringSlice(cards)))
	return append(base, cards...)
}

// complement samples seven non-land lines in ascending cost buckets.
func (g *DeckGen) complement(color string, allowed map[string]bool, taken map[string]bool, theme []string, rng *rand.Rand) []string {
	return []string{
		"4 " + g.chooseSpell(color, allowed, 1, 2, taken, theme, rng),
		"3 " + g.chooseSpell(color, allowed, 1, 3, taken, theme, rng),
		"3 " + g.chooseSpell(color, allowed, 2, 4, taken, theme, rng),
		"3 " + g.chooseSpell(color, allowed, 3, 4, taken, theme, rng),
		"3 " + g.chooseSpell(color, allowed, 5, 7, taken, theme, rng),
		"1 " + g.chooseSpell(color, allowed, 6, 99, taken, theme, rng),
		"1 " + g.chooseSpell(color, allowed, 6, 99, taken, theme, rng),
	}
}

// chooseSpell picks one spell within [minCost, maxCost] whose colors fit
// allowed. The theme pool is preferred; on exhaustion the last candidate is
// used even if it failed validation, matching the historical behavior.
func (g *DeckGen) chooseSpell(color string, allowed map[string]bool, minCost, maxCost int, taken map[string]bool, theme []string, rng *rand.Rand) string {
	valid := func(cand *CatalogCard) bool {
		if cand == nil {
			return false
		}
		if cand.IsLand() {
			return false
		}
		if !cand.goodQuality {
			return false
		}
		if taken[cand.Name] {
			return false
		}
		if cand.Cost < minCost || cand.Cost > maxCost {
			return false
		}
		for c := range cand.Colors() {
			if !allowed[c] {
				return false
			}
		}
		return true
	}

	var cand *CatalogCard

	if len(theme) > 0 {
		for tries := 10; tries > 0 && !valid(cand); tries-- {
			pool := g.catalog.ByTokens[theme[rng.Intn(len(theme))]]
			if len(pool) == 0 {
				continue
			}
			cand = pool[rng.Intn(len(pool))]
		}
	}

	for tries := 30; tries > 0 && !valid(cand); tries-- {
		var pool []*CatalogCard
		if rng.Float64() < 0.1 {
			pool = g.catalog.ByColor["colorless"]
		} else {
			pool = g.catalog.ByColor[color]
		}
		if len(pool) == 0 {
			continue
		}
		cand = pool[rng.Intn(len(pool))]
	}

	if cand == nil {
		return "Plains"
	}
	taken[cand.Name] = true
	return cand.Name
}

func termSeed(term string) int64 {
	h := fnv.New64a()
	h.Write([]byte(term))
	return int64(h.Sum64())
}

// SampleDeck produces numDecks themed decks for term, deterministically
// seeded from the term so repeated queries agree.
func (g *DeckGen) SampleDeck(term string, numDecks int) map[string][]string {
	if !g.catalog.Initialized() || len(g.catalog.TopTokens) == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(termSeed(term)))

	var words []string
	for _, w := range strings.Fields(strings.ToLower(term)) {
		if !stopWords[w] {
			words = append(words, w)
		}
	}

	out := make(map[string][]string)
	for i := 0; i < numDecks; i++ {
		theme := g.pickTheme(words, i == 0, rng)
		key := deckName(theme)
		out[key] = g.makeThemedDeck(theme, rng)
	}
	return out
}

// pickTheme assembles 2-3 theme words. The first deck uses the query words
// verbatim when they are all known theme keys.
func (g *DeckGen) pickTheme(words []string, preferExact bool, rng *rand.Rand) []string {
	if preferExact && len(words) >= 2 {
		allKnown := true
		for _, w := range words {
			if len(g.catalog.ByTokens[w]) == 0 {
				allKnown = false
				break
			}
		}
		if allKnown {
			return words
		}
	}

	var theme []string
	if len(words) > 0 {
		word := words[rng.Intn(len(words))]
		if len(g.catalog.ByTokens[word]) > 0 {
			theme = append(theme, word)
		} else if match := g.findContainingTheme(word, rng); match != "" {
			theme = append(theme, match)
		} else {
			theme = append(theme, g.randomTheme(rng))
		}
	}

	// Always prepend a random top theme, sometimes two.
	theme = append([]string{g.randomTheme(rng)}, theme...)
	if rng.Float64() < 0.5 {
		theme = append([]string{g.randomTheme(rng)}, theme...)
	}
	for len(theme) < 2 {
		theme = append(theme, g.randomTheme(rng))
	}
	return theme
}

// findContainingTheme scans the theme keys in randomized order for one that
// contains word.
func (g *DeckGen) findContainingTheme(word string, rng *rand.Rand) string {
	keys := make([]string, len(g.catalog.TopTokens))
	copy(keys, g.catalog.TopTokens)
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, key := range keys {
		if strings.Contains(key, word) {
			return key
		}
	}
	return ""
}

func (g *DeckGen) randomTheme(rng *rand.Rand) string {
	return g.catalog.TopTokens[rng.Intn(len(g.catalog.TopTokens))]
}

func deckName(theme []string) string {
	cased := make([]string, len(theme))
	for i, w := range theme {
		cased[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(cased, " ")
}

// makeThemedDeck votes on colors across the theme pools and builds a deck
// from the two leading colors.
func (g *DeckGen) makeThemedDeck(theme []string, rng *rand.Rand) []string {
	votes := make(map[string]float64)
	for _, tok := range theme {
		pool := g.catalog.ByTokens[tok]
		for _, card := range pool {
			colors := card.Colors()
			for color := range colors {
				votes[color] += 1.0 / float64(len(colors)+len(pool))
			}
		}
	}

	type vote struct {
		color string
		n     float64
	}
	ranked := make([]vote, 0, len(votes))
	for c, n := range votes {
		ranked = append(ranked, vote{c, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].color < ranked[j].color
	})

	var land1, land2 string
	switch {
	case len(ranked) == 0:
		land1 = basicLands[rng.Intn(len(basicLands))]
		land2 = basicLands[rng.Intn(len(basicLands))]
	case len(ranked) == 1:
		land1 = landsByColor[ranked[0].color]
		land2 = land1
	default:
		land1 = landsByColor[ranked[0].color]
		// The runner-up color only makes the cut with at least half the
		// leader's votes.
		if ranked[1].n/ranked[0].n >= 0.5 {
			land2 = landsByColor[ranked[1].color]
		} else {
			land2 = land1
		}
	}
	return g.buildDeck(land1, land2, theme, rng)
}
