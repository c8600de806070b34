package search

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPokerPlugin(t *testing.T) *PokerPlugin {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{
		"AS.png", "KS.png", "QS.png", "JS.png", "10S.png",
		"AH.png", "KH.png", "QH.png", "2C.png", "2D.png",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("png"), 0600))
	}
	return NewPokerPlugin(dir, "/back.png", rand.New(rand.NewSource(1)))
}

func TestPokerFetch(t *testing.T) {
	p := newTestPokerPlugin(t)

	cards, _, err := p.Fetch("as", true, 0)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "AS", cards[0].Name)

	cards, _, err = p.Fetch("s", false, 0)
	require.NoError(t, err)
	assert.Len(t, cards, 5, "substring match hits every spade")

	cards, _, err = p.Fetch("zz", true, 0)
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestPokerSample(t *testing.T) {
	p := newTestPokerPlugin(t)
	names := p.Sample()
	require.Len(t, names, 5)
	seen := make(map[string]bool)
	for _, name := range names {
		assert.False(t, seen[name], "sample repeats %q", name)
		seen[name] = true
	}
}

// Sample is reachable from multiple connection goroutines and the learner at
// once; the shared shuffle source must tolerate that.
func TestPokerSampleConcurrent(t *testing.T) {
	p := newTestPokerPlugin(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Len(t, p.Sample(), 5)
			}
		}()
	}
	wg.Wait()
}
