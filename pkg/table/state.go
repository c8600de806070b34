package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
)

var (
	// ErrUnknownCard is returned when an operation names a card id that is
	// not on the table.
	ErrUnknownCard = errors.New("unknown card")
	// ErrBadOrientation is returned for orientations outside [-4, 4].
	ErrBadOrientation = errors.New("orientation out of range")
	// ErrBadLocType is returned for location types other than board or hands.
	ErrBadLocType = errors.New("invalid location type")
	// ErrUnknownLocation is returned when an operation targets a location
	// with no stack.
	ErrUnknownLocation = errors.New("no stack at location")
	// ErrBadStackOp is returned for unrecognized stack operation types.
	ErrBadStackOp = errors.New("invalid stackop type")
)

// Location type tags.
const (
	LocBoard = "board"
	LocHands = "hands"
)

// Loc identifies a stack position, either an integer board cell or a
// per-player hand.
type Loc struct {
	Type  string
	Board int
	Hand  string
}

// BoardLoc returns the board location for key.
func BoardLoc(key int) Loc {
	return Loc{Type: LocBoard, Board: key}
}

// HandLoc returns the hand location for user.
func HandLoc(user string) Loc {
	return Loc{Type: LocHands, Hand: user}
}

// Key returns the wire representation of the location key.
func (l Loc) Key() interface{} {
	if l.Type == LocHands {
		return l.Hand
	}
	return l.Board
}

func (l Loc) String() string {
	if l.Type == LocHands {
		return fmt.Sprintf("hands[%s]", l.Hand)
	}
	return fmt.Sprintf("board[%d]", l.Board)
}

// State is the authoritative table of one game. Cards have no record of
// their own; their attributes live in the parallel maps keyed by card id.
// The index map is derived from Board and Hands and is rebuilt on restore.
type State struct {
	DeckName       string           `json:"deck_name"`
	ResourcePrefix string           `json:"resource_prefix"`
	DefaultBackURL string           `json:"default_back_url"`
	Board          map[int][]int    `json:"board"`
	Hands          map[string][]int `json:"hands"`
	Orientations   map[int]int      `json:"orientations"`
	URLs           map[int]string   `json:"urls"`
	URLsSmall      map[int]string   `json:"urls_small"`
	BackURLs       map[int]string   `json:"back_urls"`
	Titles         map[int]string   `json:"titles"`
	HighestID      int              `json:"highest_id"`
	SourceID       string           `json:"sourceid"`

	index map[int]Loc
}

// NewState returns an empty table bound to the given card source.
func NewState(sourceID, defaultBackURL string) *State {
	s := &State{
		DefaultBackURL: defaultBackURL,
		Board:          make(map[int][]int),
		Hands:          make(map[string][]int),
		Orientations:   make(map[int]int),
		URLs:           make(map[int]string),
		URLsSmall:      make(map[int]string),
		BackURLs:       make(map[int]string),
		Titles:         make(map[int]string),
		SourceID:       sourceID,
	}
	s.BuildIndex()
	return s
}

// BuildIndex reconstructs the card -> location index from Board and Hands.
func (s *State) BuildIndex() {
	s.index = make(map[int]Loc)
	for key, stack := range s.Board {
		for _, card := range stack {
			s.index[card] = BoardLoc(key)
		}
	}
	for user, hand := range s.Hands {
		for _, card := range hand {
			s.index[card] = HandLoc(user)
		}
	}
}

// Index returns the current location of card.
func (s *State) Index(card int) (Loc, bool) {
	loc, ok := s.index[card]
	return loc, ok
}

// NumCards returns the number of cards on the table.
func (s *State) NumCards() int {
	return len(s.index)
}

// Stack returns the stack at loc, or nil if the location is empty.
func (s *State) Stack(loc Loc) []int {
	if loc.Type == LocHands {
		return s.Hands[loc.Hand]
	}
	return s.Board[loc.Board]
}

func (s *State) setStack(loc Loc, stack []int) {
	if len(stack) == 0 {
		if loc.Type == LocHands {
			delete(s.Hands, loc.Hand)
		} else {
			delete(s.Board, loc.Board)
		}
		return
	}
	if loc.Type == LocHands {
		s.Hands[loc.Hand] = stack
	} else {
		s.Board[loc.Board] = stack
	}
}

func validOrient(o int) bool {
	return o >= -4 && o <= 4
}

func removeFromStack(stack []int, card int) []int {
	for i, c := range stack {
		if c == card {
			return append(stack[:i], stack[i+1:]...)
		}
	}
	return stack
}

// MoveCard relocates card to loc with the given orientation and returns the
// old location. When source and destination agree and the orientation is
// unchanged the stack order is left alone; the last element of a stack is
// its visual top, so any real move appends the card on top.
func (s *State) MoveCard(card int, loc Loc, orient int) (Loc, error) {
	if loc.Type != LocBoard && loc.Type != LocHands {
		return Loc{}, fmt.Errorf("%w: %q", ErrBadLocType, loc.Type)
	}
	if !validOrient(orient) {
		return Loc{}, fmt.Errorf("%w: %d", ErrBadOrientation, orient)
	}
	src, ok := s.index[card]
	if !ok {
		return Loc{}, fmt.Errorf("%w: %d", ErrUnknownCard, card)
	}

	if src != loc || s.Orientations[card] != orient {
		s.setStack(src, removeFromStack(s.Stack(src), card))
		s.setStack(loc, append(s.Stack(loc), card))
		s.index[card] = loc
	}
	s.Orientations[card] = orient

	return src, nil
}

// PlaceOnBoard appends a freshly minted card to the board stack at key.
func (s *State) PlaceOnBoard(key, card int) {
	s.Board[key] = append(s.Board[key], card)
	s.index[card] = BoardLoc(key)
}

// RemoveCard drops card from the table and returns its old location. The
// attribute maps are left to GC.
func (s *State) RemoveCard(card int) (Loc, error) {
	loc, ok := s.index[card]
	if !ok {
		return Loc{}, fmt.Errorf("%w: %d", ErrUnknownCard, card)
	}
	s.setStack(loc, removeFromStack(s.Stack(loc), card))
	delete(s.index, card)
	return loc, nil
}

// ReverseOrientations flips the face of every card in stack.
func (s *State) ReverseOrientations(stack []int) {
	for _, card := range stack {
		s.Orientations[card] *= -1
	}
}

// ResetOrientations copies the top card's orientation onto the whole stack.
func (s *State) ResetOrientations(stack []int) {
	if len(stack) == 0 {
		return
	}
	canonical := s.Orientations[stack[len(stack)-1]]
	for _, card := range stack {
		s.Orientations[card] = canonical
	}
}

// Stack operation types.
const (
	StackOpReverse = "reverse"
	StackOpShuffle = "shuffle"
)

// StackOp applies op to the stack at loc and returns the resulting stack.
// reverse flips both the order and the orientations; shuffle first levels
// all orientations to the top card's, then applies a uniform permutation.
func (s *State) StackOp(loc Loc, op string, rng *rand.Rand) ([]int, error) {
	stack := s.Stack(loc)
	if len(stack) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, loc)
	}
	switch op {
	case StackOpReverse:
		for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
			stack[i], stack[j] = stack[j], stack[i]
		}
		s.ReverseOrientations(stack)
	case StackOpShuffle:
		s.ResetOrientations(stack)
		rng.Shuffle(len(stack), func(i, j int) {
			stack[i], stack[j] = stack[j], stack[i]
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadStackOp, op)
	}
	s.setStack(loc, stack)
	return stack, nil
}

// GC drops attribute-map entries for cards no longer on the table.
func (s *State) GC() {
	for card := range s.Orientations {
		if _, ok := s.index[card]; !ok {
			delete(s.Orientations, card)
		}
	}
	for card := range s.URLs {
		if _, ok := s.index[card]; !ok {
			delete(s.URLs, card)
		}
	}
	for card := range s.URLsSmall {
		if _, ok := s.index[card]; !ok {
			delete(s.URLsSmall, card)
		}
	}
	for card := range s.BackURLs {
		if _, ok := s.index[card]; !ok {
			delete(s.BackURLs, card)
		}
	}
	for card := range s.Titles {
		if _, ok := s.index[card]; !ok {
			delete(s.Titles, card)
		}
	}
}

// InitializeStacks normalizes the table after cards were added or a snapshot
// restored: optionally shuffles every board stack, defaults any missing
// orientation to face-down, and garbage-collects stale attributes.
func (s *State) InitializeStacks(shuffle bool, rng *rand.Rand) {
	s.BuildIndex()
	if shuffle {
		for key, stack := range s.Board {
			rng.Shuffle(len(stack), func(i, j int) {
				stack[i], stack[j] = stack[j], stack[i]
			})
			s.Board[key] = stack
		}
	}
	for card := range s.index {
		if _, ok := s.Orientations[card]; !ok {
			s.Orientations[card] = -1
		}
	}
	s.GC()
}

// Snapshot serializes the state to JSON.
func (s *State) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %v", err)
	}
	return data, nil
}

// Restore deserializes a snapshot and rebuilds the derived index.
func Restore(data json.RawMessage) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to restore state: %v", err)
	}
	if s.Board == nil {
		s.Board = make(map[int][]int)
	}
	if s.Hands == nil {
		s.Hands = make(map[string][]int)
	}
	if s.Orientations == nil {
		s.Orientations = make(map[int]int)
	}
	if s.URLs == nil {
		s.URLs = make(map[int]string)
	}
	if s.URLsSmall == nil {
		s.URLsSmall = make(map[int]string)
	}
	if s.BackURLs == nil {
		s.BackURLs = make(map[int]string)
	}
	if s.Titles == nil {
		s.Titles = make(map[int]string)
	}
	s.BuildIndex()
	return &s, nil
}
