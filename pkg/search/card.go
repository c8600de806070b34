package search

// Card is a single search result.
type Card struct {
	Name    string `json:"name"`
	ImgURL  string `json:"img_url"`
	InfoURL string `json:"info_url"`
}

// Meta carries extra attributes of a search result set.
type Meta struct {
	HasMore bool   `json:"has_more"`
	MoreURL string `json:"more_url"`
}

// Plugin is a pluggable card source.
type Plugin interface {
	// Fetch returns cards matching term. With exact set, only exact name
	// matches are returned. A limit <= 0 means unlimited.
	Fetch(term string, exact bool, limit int) ([]Card, Meta, error)
	// BackURL returns the default back-image URL for cards from this source.
	BackURL() string
	// Sample returns a small sample of card names, or a starter deck list.
	Sample() []string
	// SampleDeck synthesizes numDecks themed deck lists for term, keyed by
	// deck name.
	SampleDeck(term string, numDecks int) map[string][]string
	// Complete returns name completions for a prefix.
	Complete(prefix string) []string
}

// noDecks is embedded by plugins that cannot synthesize decks or offer
// completions.
type noDecks struct{}

func (noDecks) Sample() []string                           { return nil }
func (noDecks) SampleDeck(string, int) map[string][]string { return nil }
func (noDecks) Complete(string) []string                   { return nil }
