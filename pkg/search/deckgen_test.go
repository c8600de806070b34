package search

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertDeckShape checks that lines form a 60-card list: a 24-land base or a
// 12/12 split, followed by fourteen spell lines.
func assertDeckShape(t *testing.T, lines []string) {
	t.Helper()
	require.NotEmpty(t, lines)

	total := 0
	lands := 0
	spellLines := 0
	for _, line := range lines {
		parts := strings.SplitN(line, " ", 2)
		require.Len(t, parts, 2, "line %q", line)
		n, err := strconv.Atoi(parts[0])
		require.NoError(t, err, "line %q", line)
		total += n
		if n == 24 || n == 12 {
			lands += n
			assert.Contains(t, basicLands, parts[1])
		} else {
			spellLines++
		}
	}
	assert.Equal(t, 24, lands)
	assert.Equal(t, 60, total)
	assert.Equal(t, 14, spellLines)
}

func TestMakeDeck(t *testing.T) {
	g := NewDeckGen(loadTestCatalog(t))
	for i := 0; i < 20; i++ {
		assertDeckShape(t, g.MakeDeck())
	}
}

func TestSampleDeckDeterministic(t *testing.T) {
	g := NewDeckGen(loadTestCatalog(t))

	a := g.SampleDeck("goblin", 3)
	b := g.SampleDeck("goblin", 3)
	require.NotEmpty(t, a)
	assert.Equal(t, a, b, "same term must yield the same decks")

	for name, lines := range a {
		assert.NotEmpty(t, name)
		assertDeckShape(t, lines)
	}
}

func TestSampleDeckUninitialized(t *testing.T) {
	g := NewDeckGen(LoadCatalog(testLogger(t).Logger("CTLG"), "/nonexistent"))
	assert.Nil(t, g.SampleDeck("goblin", 2))
}
