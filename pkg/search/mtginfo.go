package search

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/decred/slog"
)

const mtgInfoBase = "http://magiccards.info"

// listModeMarker is present when the endpoint rendered its list layout,
// which uses a different link structure than the grid layout.
const listModeMarker = `selected="selected">View as a List`

var (
	listLinkRe = regexp.MustCompile(`<a href="/([a-z0-9]*)/en/([a-z0-9]*)\.html">(.*?)</a>`)
	gridLinkRe = regexp.MustCompile(`<a href="/([a-z0-9]*)/en/([a-z0-9]*)\.html">(.*?)</a>\s+<img`)
	hasMoreRe  = regexp.MustCompile(`"/query.*;p=2"`)
)

// MagicCardsInfoPlugin scrapes the magiccards.info query endpoint.
type MagicCardsInfoPlugin struct {
	log    slog.Logger
	decks  *DeckGen
	client *http.Client
	base   string
}

// NewMagicCardsInfoPlugin builds the remote plugin. base overrides the
// endpoint for tests; empty means the production site.
func NewMagicCardsInfoPlugin(log slog.Logger, catalog *Catalog, base string) *MagicCardsInfoPlugin {
	if base == "" {
		base = mtgInfoBase
	}
	return &MagicCardsInfoPlugin{
		log:    log,
		decks:  NewDeckGen(catalog),
		client: &http.Client{Timeout: 30 * time.Second},
		base:   base,
	}
}

// BackURL returns the shared detail-image back.
func (p *MagicCardsInfoPlugin) BackURL() string {
	return "/third_party/images/mtg_detail.jpg"
}

// Sample returns a randomly generated starter deck list.
func (p *MagicCardsInfoPlugin) Sample() []string {
	return p.decks.MakeDeck()
}

// SampleDeck synthesizes themed decks for term.
func (p *MagicCardsInfoPlugin) SampleDeck(term string, numDecks int) map[string][]string {
	return p.decks.SampleDeck(term, numDecks)
}

// Complete is not supported by the remote source.
func (p *MagicCardsInfoPlugin) Complete(string) []string {
	return nil
}

// Fetch issues an HTTP GET against the query endpoint and extracts card
// tuples from the returned HTML.
func (p *MagicCardsInfoPlugin) Fetch(term string, exact bool, limit int) ([]Card, Meta, error) {
	if term == "" {
		return nil, Meta{}, nil
	}

	q := "l:en+" + strings.Join(strings.Fields(term), "+")
	if exact {
		q = "!" + strings.Join(strings.Fields(term), "+")
	}
	queryURL := fmt.Sprintf("%s/query?q=%s&v=olist&s=cname", p.base, q)

	p.log.Infof("GET %s", queryURL)
	resp, err := p.client.Get(queryURL)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to query %s: %v", p.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Meta{}, fmt.Errorf("query %s: unexpected status %s", p.base, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to read response: %v", err)
	}
	data := string(body)

	linkRe := gridLinkRe
	if strings.Contains(data, listModeMarker) {
		linkRe = listLinkRe
	}

	var cards []Card
	for _, m := range linkRe.FindAllStringSubmatch(data, -1) {
		set, id, name := m[1], m[2], m[3]
		cards = append(cards, Card{
			Name:    name,
			ImgURL:  fmt.Sprintf("%s/scans/en/%s/%s.jpg", p.base, set, id),
			InfoURL: fmt.Sprintf("%s/%s/en/%s.html", p.base, set, id),
		})
		if limit > 0 && len(cards) >= limit {
			break
		}
	}

	meta := Meta{
		HasMore: hasMoreRe.MatchString(data),
		MoreURL: p.base + "/query?q=" + url.QueryEscape(term),
	}
	return cards, meta, nil
}

var _ Plugin = (*MagicCardsInfoPlugin)(nil)
