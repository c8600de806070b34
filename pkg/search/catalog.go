package search

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/decred/slog"
)

var landsByColor = map[string]string{
	"W": "Plains",
	"R": "Mountain",
	"U": "Island",
	"B": "Swamp",
	"G": "Forest",
}

var colorByLand = map[string]string{
	"Plains":   "W",
	"Mountain": "R",
	"Island":   "U",
	"Swamp":    "B",
	"Forest":   "G",
}

var basicLands = []string{"Plains", "Mountain", "Island", "Swamp", "Forest"}

// jokeSets are excluded from goodQuality regardless of age.
var jokeSets = map[string]bool{
	"Unglued":  true,
	"Unhinged": true,
	"Unstable": true,
}

// modernSets marks the sets considered modern for ranking purposes.
var modernSets = map[string]bool{
	"Eighth Edition": true, "Ninth Edition": true, "Tenth Edition": true,
	"Mirrodin": true, "Darksteel": true, "Fifth Dawn": true,
	"Champions of Kamigawa": true, "Betrayers of Kamigawa": true,
	"Saviors of Kamigawa": true, "Ravnica": true, "Guildpact": true,
	"Dissension": true, "Time Spiral": true, "Planar Chaos": true,
	"Future Sight": true, "Lorwyn": true, "Morningtide": true,
	"Shadowmoor": true, "Eventide": true, "Shards of Alara": true,
	"Conflux": true, "Alara Reborn": true, "Zendikar": true,
	"Worldwake": true, "Rise of the Eldrazi": true, "Magic 2010": true,
	"Magic 2011": true, "Magic 2012": true, "Magic 2013": true,
	"Scars of Mirrodin": true, "Mirrodin Besieged": true,
	"New Phyrexia": true, "Innistrad": true, "Dark Ascension": true,
	"Avacyn Restored": true, "Return to Ravnica": true, "Gatecrash": true,
	"Dragon's Maze": true,
}

var wordRe = regexp.MustCompile(`^[a-zA-Z]+$`)

// sanitizeName folds the handful of non-ASCII characters that appear in card
// names and drops anything else outside ASCII.
func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, "Æ", "Ae")
	s = strings.ReplaceAll(s, "á", "a")
	var b strings.Builder
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CatalogCard is one row of the card metadata index.
type CatalogCard struct {
	Name       string
	Type       string
	Subtype    string
	Mana       string
	Cost       int
	Text       string
	Set        string
	Rarity     string
	Slug       string
	SearchType string
	SearchText string
	Tokens     []string
	tokenSet   map[string]bool

	goodQuality bool
	colors      map[string]bool
}

func newCatalogCard(row []string) (*CatalogCard, error) {
	if len(row) < 8 {
		return nil, fmt.Errorf("expected 8 columns, got %d", len(row))
	}
	if len(row[0]) > 35 {
		return nil, fmt.Errorf("the name is way too long")
	}
	c := &CatalogCard{
		Name:    sanitizeName(row[0]),
		Type:    row[1],
		Subtype: row[2],
		Mana:    row[3],
		Text:    sanitizeName(row[5]),
		Set:     row[6],
		Rarity:  row[7],
	}
	if c.Mana != "" {
		cost, err := strconv.Atoi(row[4])
		if err == nil {
			c.Cost = cost
		}
	}
	c.Slug = strings.ToLower(c.Name)
	c.SearchType = strings.ToLower(c.Type + " " + c.Subtype)
	c.goodQuality = modernSets[c.Set] && !jokeSets[c.Set]

	c.colors = make(map[string]bool)
	var colorWords []string
	for _, cw := range []struct{ sym, word string }{
		{"U", "blue"}, {"B", "black"}, {"R", "red"}, {"G", "green"}, {"W", "white"},
	} {
		if strings.Contains(c.Mana, cw.sym) ||
			(strings.Contains(c.Type, "Land") && strings.Contains(c.Text, "{"+cw.sym+"}")) {
			c.colors[cw.sym] = true
			colorWords = append(colorWords, cw.word)
		}
	}
	switch len(c.colors) {
	case 0:
		colorWords = append(colorWords, "colorless")
	case 1:
		colorWords = append(colorWords, "mono", "single")
	case 2:
		colorWords = append(colorWords, "multi", "dual", "two")
	case 3:
		colorWords = append(colorWords, "multi", "tri", "three")
	case 4:
		colorWords = append(colorWords, "multi", "quad", "four")
	case 5:
		colorWords = append(colorWords, "multi", "five", "all", "rainbow")
	}
	c.SearchText = strings.ToLower(strings.Join([]string{
		c.Name, c.Type, c.Text, c.Subtype, strings.Join(colorWords, " "),
	}, " "))

	c.tokenSet = make(map[string]bool)
	addTokens := func(text string, minLen int, wordsOnly bool) {
		for _, w := range strings.Fields(text) {
			if len(w) <= minLen {
				continue
			}
			if wordsOnly && !wordRe.MatchString(w) {
				continue
			}
			c.tokenSet[strings.ToLower(w)] = true
		}
	}
	addTokens(c.Name, 2, false)
	addTokens(c.Type, 2, false)
	addTokens(c.Subtype, 2, false)
	addTokens(c.Text, 3, true)
	for tok := range c.tokenSet {
		c.Tokens = append(c.Tokens, tok)
	}
	return c, nil
}

// Colors returns the card's color symbols (subset of WUBRG).
func (c *CatalogCard) Colors() map[string]bool {
	return c.colors
}

// IsLand reports whether the card is a land.
func (c *CatalogCard) IsLand() bool {
	return strings.Contains(c.Type, "Land")
}

func (c *CatalogCard) hasToken(tok string) bool {
	return c.tokenSet[tok]
}

// Catalog is a CSV-loaded index of card metadata used to rank local search
// results and to synthesize themed decks.
type Catalog struct {
	log         slog.Logger
	initialized bool

	ByName   map[string]*CatalogCard
	BySlug   map[string]*CatalogCard
	ByType   map[string][]*CatalogCard
	ByColor  map[string][]*CatalogCard
	ByCost   map[int][]*CatalogCard
	ByTokens map[string][]*CatalogCard

	// TopTokens are tokens whose pools hold at least 10 cards; they seed
	// random deck themes.
	TopTokens []string
}

// LoadCatalog builds a Catalog from the CSV file at path. A missing or
// unreadable catalog yields an empty, uninitialized catalog rather than an
// error so the server can run without deck synthesis.
func LoadCatalog(log slog.Logger, path string) *Catalog {
	cat := &Catalog{
		log:      log,
		ByName:   make(map[string]*CatalogCard),
		BySlug:   make(map[string]*CatalogCard),
		ByType:   make(map[string][]*CatalogCard),
		ByColor:  make(map[string][]*CatalogCard),
		ByCost:   make(map[int][]*CatalogCard),
		ByTokens: make(map[string][]*CatalogCard),
	}

	log.Infof("Building card catalog from %s", path)
	f, err := os.Open(path)
	if err != nil {
		log.Warnf("Failed to load catalog: %v", err)
		return cat
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	count := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warnf("Failed to read catalog row: %v", err)
			break
		}
		card, err := newCatalogCard(row)
		if err != nil {
			log.Warnf("Failed to parse %v: %v", row, err)
			continue
		}
		cat.register(card)
		count++
	}
	cat.initialized = count > 0

	for tok, pool := range cat.ByTokens {
		if len(pool) >= 10 {
			cat.TopTokens = append(cat.TopTokens, tok)
		}
	}
	log.Infof("Done building card catalog: %d cards, %d top tokens",
		count, len(cat.TopTokens))
	return cat
}

func (cat *Catalog) register(card *CatalogCard) {
	cat.ByName[card.Name] = card
	cat.BySlug[card.Slug] = card
	cat.ByType[card.Type] = append(cat.ByType[card.Type], card)
	for _, tok := range card.Tokens {
		cat.ByTokens[tok] = append(cat.ByTokens[tok], card)
	}
	if len(card.colors) == 0 {
		cat.ByColor["colorless"] = append(cat.ByColor["colorless"], card)
	} else {
		for color := range card.colors {
			cat.ByColor[color] = append(cat.ByColor[color], card)
		}
	}
	cat.ByCost[card.Cost] = append(cat.ByCost[card.Cost], card)
}

// Initialized reports whether any cards were loaded.
func (cat *Catalog) Initialized() bool {
	return cat.initialized
}
