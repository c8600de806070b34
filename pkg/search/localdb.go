package search

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/decred/slog"
	"github.com/google/shlex"
)

// LocalDBPlugin searches a directory of per-card images, ranking inexact
// matches against the shared catalog's metadata.
type LocalDBPlugin struct {
	log     slog.Logger
	catalog *Catalog
	decks   *DeckGen

	// slug -> URL-quoted file path / display name / raw filename-derived name
	paths     map[string]string
	fullnames map[string]string
	rawnames  map[string]string
	slugs     []string
}

// NewLocalDBPlugin scans dir at construction time. Filenames encode card
// names with '_' standing in for '/'.
func NewLocalDBPlugin(log slog.Logger, dir string, catalog *Catalog) *LocalDBPlugin {
	p := &LocalDBPlugin{
		log:       log,
		catalog:   catalog,
		decks:     NewDeckGen(catalog),
		paths:     make(map[string]string),
		fullnames: make(map[string]string),
		rawnames:  make(map[string]string),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warnf("Failed to scan local db %s: %v", dir, err)
		return p
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ReplaceAll(strings.TrimSuffix(e.Name(), ".jpg"), "_", "/")
		key := strings.ToLower(sanitizeName(name))
		p.paths[key] = quotePath(filepath.Join(dir, e.Name()))
		p.fullnames[key] = sanitizeName(name)
		p.rawnames[key] = name
		p.slugs = append(p.slugs, key)
	}
	sort.Strings(p.slugs)
	log.Infof("Local db holds %d cards", len(p.paths))
	return p
}

func quotePath(p string) string {
	u := url.URL{Path: p}
	return u.EscapedPath()
}

// BackURL returns the shared detail-image back.
func (p *LocalDBPlugin) BackURL() string {
	return "/third_party/images/mtg_detail.jpg"
}

// Sample returns a randomly generated starter deck list.
func (p *LocalDBPlugin) Sample() []string {
	return p.decks.MakeDeck()
}

// SampleDeck synthesizes themed decks for term.
func (p *LocalDBPlugin) SampleDeck(term string, numDecks int) map[string][]string {
	return p.decks.SampleDeck(term, numDecks)
}

// Complete returns up to ten slugs starting with prefix.
func (p *LocalDBPlugin) Complete(prefix string) []string {
	needle := strings.ToLower(strings.TrimSpace(prefix))
	if needle == "" {
		return nil
	}
	var out []string
	for _, slug := range p.slugs {
		if strings.HasPrefix(slug, needle) {
			out = append(out, p.fullnames[slug])
			if len(out) >= 10 {
				break
			}
		}
	}
	return out
}

// Fetch is a direct lookup when exact, and the ranked scan otherwise.
func (p *LocalDBPlugin) Fetch(term string, exact bool, limit int) ([]Card, Meta, error) {
	meta := Meta{HasMore: false, MoreURL: ""}
	if term == "" {
		return nil, meta, nil
	}
	needle := strings.ToLower(strings.TrimSpace(term))

	if exact {
		var cards []Card
		if path, ok := p.paths[needle]; ok {
			cards = append(cards, Card{Name: term, ImgURL: path, InfoURL: path})
		}
		return cards, meta, nil
	}
	return p.rankedScan(needle, limit), meta, nil
}

// costPredicate is a numeric comparison parsed out of the query, applied to
// a card's converted cost.
type costPredicate struct {
	op string
	n  int
}

func (pr costPredicate) match(cost int) bool {
	switch pr.op {
	case ">":
		return cost > pr.n
	case "<":
		return cost < pr.n
	case ">=":
		return cost >= pr.n
	case "<=":
		return cost <= pr.n
	default: // "=", "==" or omitted
		return cost == pr.n
	}
}

var costExprRe = regexp.MustCompile(`(mana|cost|cmc)(>=|<=|==|=|>|<)?(\d+)`)

// extractPredicates pulls numeric sub-expressions like "cost>=3" out of the
// needle, returning the stripped needle and the predicates.
func extractPredicates(needle string) (string, []costPredicate) {
	var preds []costPredicate
	matches := costExprRe.FindAllStringSubmatch(needle, -1)
	for _, m := range matches {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		preds = append(preds, costPredicate{op: m[2], n: n})
	}
	stripped := strings.TrimSpace(costExprRe.ReplaceAllString(needle, ""))
	return stripped, preds
}

var queryColorWords = map[string]bool{
	"red": true, "blue": true, "black": true, "white": true, "green": true,
}

var queryArityWords = map[string]bool{
	"mono": true, "dual": true, "tri": true, "quad": true, "five": true,
	"all": true, "multi": true, "colored": true, "colorless": true,
	"rainbow": true, "two": true, "three": true, "four": true, "single": true,
}

// expandQuery adds synthetic mana=<word> tokens for color and arity words,
// plus an arity token derived from the number of distinct colors named.
func expandQuery(parts []string) []string {
	var expanded []string
	colors := 0
	for _, part := range parts {
		if queryColorWords[part] {
			colors++
			expanded = append(expanded, "mana="+part)
		} else if queryArityWords[part] {
			expanded = append(expanded, "mana="+part)
		}
	}
	switch colors {
	case 1:
		expanded = append(expanded, "mana=mono")
	case 2:
		expanded = append(expanded, "mana=dual")
	}
	return expanded
}

// tokenScore scores one query token against a card per the ranking scheme:
// +1 for slug/searchtype presence, +1 for an exact card token, +1 (or the
// word count for phrases) for searchtext presence. missing reports a
// searchtext miss.
func tokenScore(tok, slug string, card *CatalogCard) (score float64, missing bool) {
	// Synthetic mana= tokens match on the bare word.
	probe := strings.TrimPrefix(tok, "mana=")

	if strings.Contains(slug, probe) || (card != nil && strings.Contains(card.SearchType, probe)) {
		score++
	}
	if card != nil && card.hasToken(probe) {
		score++
	}
	if card != nil && strings.Contains(card.SearchText, probe) {
		if strings.Contains(probe, " ") {
			score += float64(len(strings.Fields(probe)))
		} else {
			score++
		}
	} else {
		missing = true
	}
	return score, missing
}

// rankedScan scores every local card against the needle and emits results in
// descending score buckets, preserving scan order inside a bucket.
func (p *LocalDBPlugin) rankedScan(needle string, limit int) []Card {
	stripped, preds := extractPredicates(needle)

	parts, err := shlex.Split(stripped)
	if err != nil {
		parts = strings.Fields(stripped)
	}
	expanded := expandQuery(parts)

	buckets := make(map[int][]string)
	for _, slug := range p.slugs {
		card := p.catalog.BySlug[slug]

		if len(preds) > 0 {
			if card == nil {
				continue
			}
			ok := true
			for _, pred := range preds {
				if !pred.match(card.Cost) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
		}

		score := 0.0
		if stripped == slug {
			score += 20
		}
		if card != nil && card.goodQuality {
			score += 0.5
		}
		missing := 0
		for _, tok := range parts {
			s, miss := tokenScore(tok, slug, card)
			score += s
			if miss {
				missing++
			}
		}
		for _, tok := range expanded {
			s, miss := tokenScore(tok, slug, card)
			score += s
			if miss {
				missing++
			}
		}
		score -= 3 * float64(missing)

		if score >= 1 {
			buckets[int(score)] = append(buckets[int(score)], slug)
		}
	}

	scores := make([]int, 0, len(buckets))
	for s := range buckets {
		scores = append(scores, s)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(scores)))

	var cards []Card
	for _, s := range scores {
		for _, slug := range buckets[s] {
			cards = append(cards, Card{
				Name:    p.fullnames[slug],
				ImgURL:  p.paths[slug],
				InfoURL: p.paths[slug],
			})
			if limit > 0 && len(cards) >= limit {
				return cards
			}
		}
	}
	return cards
}

var _ Plugin = (*LocalDBPlugin)(nil)
