package table

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testState builds a small table: two board stacks and one hand.
func testState() *State {
	s := NewState("poker", "/back.png")
	s.Board = map[int][]int{
		2: {6, 7},
		3: {8, 9, 10},
	}
	s.Hands = map[string][]int{
		"bob": {11, 12},
	}
	for _, c := range []int{6, 7, 8, 9, 10, 11, 12} {
		s.Orientations[c] = -1
		s.URLs[c] = "/img.jpg"
		s.URLsSmall[c] = "/img@140x200.jpg"
	}
	s.HighestID = 12
	s.BuildIndex()
	return s
}

// checkInvariants asserts that index inverts board+hands and that no stack
// is empty.
func checkInvariants(t *testing.T, s *State) {
	t.Helper()
	seen := make(map[int]Loc)
	for key, stack := range s.Board {
		require.NotEmpty(t, stack, "board[%d] is empty", key)
		for _, c := range stack {
			seen[c] = BoardLoc(key)
		}
	}
	for user, hand := range s.Hands {
		require.NotEmpty(t, hand, "hands[%s] is empty", user)
		for _, c := range hand {
			seen[c] = HandLoc(user)
		}
	}
	require.Equal(t, len(seen), s.NumCards())
	for c, loc := range seen {
		got, ok := s.Index(c)
		require.True(t, ok)
		assert.Equal(t, loc, got)
		_, ok = s.Orientations[c]
		assert.True(t, ok, "card %d has no orientation", c)
	}
}

func TestMoveCard(t *testing.T) {
	s := testState()

	src, err := s.MoveCard(6, BoardLoc(3), 1)
	require.NoError(t, err)
	assert.Equal(t, BoardLoc(2), src)
	assert.Equal(t, []int{8, 9, 10, 6}, s.Board[3], "moved card lands on top")
	assert.Equal(t, 1, s.Orientations[6])
	checkInvariants(t, s)

	// Emptying a location deletes it.
	_, err = s.MoveCard(7, BoardLoc(3), -1)
	require.NoError(t, err)
	_, ok := s.Board[2]
	assert.False(t, ok)
	checkInvariants(t, s)

	// Board to hand and back.
	src, err = s.MoveCard(6, HandLoc("alice"), 1)
	require.NoError(t, err)
	assert.Equal(t, BoardLoc(3), src)
	assert.Equal(t, []int{6}, s.Hands["alice"])
	checkInvariants(t, s)

	src, err = s.MoveCard(6, BoardLoc(5), -2)
	require.NoError(t, err)
	assert.Equal(t, HandLoc("alice"), src)
	_, ok = s.Hands["alice"]
	assert.False(t, ok)
	checkInvariants(t, s)
}

func TestMoveCardSameLocation(t *testing.T) {
	s := testState()

	// Same destination, same orientation: stack order untouched.
	_, err := s.MoveCard(8, BoardLoc(3), -1)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 9, 10}, s.Board[3])

	// Same destination, new orientation: bumped to top.
	_, err = s.MoveCard(8, BoardLoc(3), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 10, 8}, s.Board[3])
	assert.Equal(t, 2, s.Orientations[8])
	checkInvariants(t, s)
}

func TestMoveCardValidation(t *testing.T) {
	s := testState()

	_, err := s.MoveCard(6, Loc{Type: "pocket"}, 1)
	assert.ErrorIs(t, err, ErrBadLocType)

	_, err = s.MoveCard(6, BoardLoc(2), 5)
	assert.ErrorIs(t, err, ErrBadOrientation)

	_, err = s.MoveCard(999, BoardLoc(2), 1)
	assert.ErrorIs(t, err, ErrUnknownCard)

	// Failed moves leave the table alone.
	assert.Equal(t, []int{6, 7}, s.Board[2])
	checkInvariants(t, s)
}

func TestRemoveCardAndGC(t *testing.T) {
	s := testState()

	loc, err := s.RemoveCard(11)
	require.NoError(t, err)
	assert.Equal(t, HandLoc("bob"), loc)
	_, ok := s.Index(11)
	assert.False(t, ok)
	checkInvariants(t, s)

	// Attributes linger until GC.
	_, ok = s.Orientations[11]
	assert.True(t, ok)
	s.GC()
	_, ok = s.Orientations[11]
	assert.False(t, ok)
	_, ok = s.URLs[11]
	assert.False(t, ok)
	_, ok = s.URLsSmall[11]
	assert.False(t, ok)

	_, err = s.RemoveCard(11)
	assert.ErrorIs(t, err, ErrUnknownCard)
}

func TestStackOpReverse(t *testing.T) {
	s := testState()
	s.Orientations[8] = 1
	s.Orientations[9] = -2
	s.Orientations[10] = 3

	stack, err := s.StackOp(BoardLoc(3), StackOpReverse, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, []int{10, 9, 8}, stack)
	assert.Equal(t, -1, s.Orientations[8])
	assert.Equal(t, 2, s.Orientations[9])
	assert.Equal(t, -3, s.Orientations[10])
}

func TestStackOpShuffle(t *testing.T) {
	s := testState()
	s.Orientations[8] = 1
	s.Orientations[9] = -2
	s.Orientations[10] = 3 // top card before the shuffle

	rng := rand.New(rand.NewSource(42))
	stack, err := s.StackOp(BoardLoc(3), StackOpShuffle, rng)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{8, 9, 10}, stack)
	for _, c := range stack {
		assert.Equal(t, 3, s.Orientations[c])
	}
	checkInvariants(t, s)
}

func TestStackOpErrors(t *testing.T) {
	s := testState()
	rng := rand.New(rand.NewSource(1))

	_, err := s.StackOp(BoardLoc(99), StackOpShuffle, rng)
	assert.ErrorIs(t, err, ErrUnknownLocation)

	_, err = s.StackOp(BoardLoc(3), "deal", rng)
	assert.ErrorIs(t, err, ErrBadStackOp)
}

func TestInitializeStacks(t *testing.T) {
	s := testState()
	delete(s.Orientations, 9)
	s.URLs[99] = "/stale.jpg" // not on the table

	s.InitializeStacks(false, rand.New(rand.NewSource(1)))
	assert.Equal(t, -1, s.Orientations[9])
	_, ok := s.URLs[99]
	assert.False(t, ok, "stale attributes are collected")
	checkInvariants(t, s)

	// Shuffling permutes board stacks but not hands.
	s.InitializeStacks(true, rand.New(rand.NewSource(7)))
	assert.ElementsMatch(t, []int{8, 9, 10}, s.Board[3])
	assert.Equal(t, []int{11, 12}, s.Hands["bob"])
	checkInvariants(t, s)
}

func TestSnapshotRestore(t *testing.T) {
	s := testState()
	s.DeckName = "Test deck"
	s.Titles[6] = "Ace of Spades"
	s.BackURLs[6] = "/alt-back.png"

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored, err := Restore(data)
	require.NoError(t, err)
	assert.Equal(t, s.DeckName, restored.DeckName)
	assert.Equal(t, s.Board, restored.Board)
	assert.Equal(t, s.Hands, restored.Hands)
	assert.Equal(t, s.Orientations, restored.Orientations)
	assert.Equal(t, s.Titles, restored.Titles)
	assert.Equal(t, s.BackURLs, restored.BackURLs)
	assert.Equal(t, s.HighestID, restored.HighestID)
	assert.Equal(t, s.SourceID, restored.SourceID)
	checkInvariants(t, restored)

	loc, ok := restored.Index(10)
	require.True(t, ok)
	assert.Equal(t, BoardLoc(3), loc)
}

func TestRestoreEmptySnapshot(t *testing.T) {
	restored, err := Restore([]byte(`{"deck_name":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, restored.NumCards())

	// Maps are usable after a sparse restore.
	restored.Orientations[1] = 1
	restored.Board[1] = []int{1}
	restored.BuildIndex()
	checkInvariants(t, restored)
}
