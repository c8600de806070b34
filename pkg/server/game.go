package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/vctt94/cardtable/pkg/table"
)

const (
	// initialSeqno is where every game's delta counter starts.
	initialSeqno = 1000
	// keepaliveTimeout is how long a stream may stay silent before it is
	// presumed dead.
	keepaliveTimeout = 60 * time.Second
)

// GameHandler serializes every mutation of one game and fans deltas out to
// its streams. One instance per game, shared by all participants.
type GameHandler struct {
	space  *SpaceHandler
	log    slog.Logger
	gameid string

	mu         sync.Mutex
	state      *table.State
	seqno      int64
	streams    map[*Stream]struct{}
	lastUsed   time.Time
	terminated bool
	rng        *rand.Rand
	now        func() time.Time
}

func newGameHandler(space *SpaceHandler, gameid string) *GameHandler {
	g := &GameHandler{
		space:    space,
		log:      space.srv.logBackend.Logger("GAME"),
		gameid:   gameid,
		state:    table.NewState(space.sourceID, space.srv.finder.BackURL(space.sourceID)),
		seqno:    initialSeqno,
		streams:  make(map[*Stream]struct{}),
		lastUsed: time.Now(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	g.mu.Lock()
	g.checkpointLocked()
	g.mu.Unlock()
	return g
}

// restoreGameHandler rebuilds a game from its persisted snapshot.
func restoreGameHandler(space *SpaceHandler, gameid string, rec snapshotRecord) (*GameHandler, error) {
	state, err := table.Restore(rec.Data)
	if err != nil {
		return nil, err
	}
	space.srv.loader.Prime(state)
	state.InitializeStacks(false, rand.New(rand.NewSource(time.Now().UnixNano())))
	return &GameHandler{
		space:    space,
		log:      space.srv.logBackend.Logger("GAME"),
		gameid:   gameid,
		state:    state,
		seqno:    rec.Seqno,
		streams:  make(map[*Stream]struct{}),
		lastUsed: time.Now(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}, nil
}

func (g *GameHandler) Handle(req *Request, out *Output) (Handler, error) {
	switch req.Type {
	case "broadcast":
		return g, g.handleBroadcast(req, out)
	case "move":
		return g, g.handleMove(req)
	case "bulkmove":
		return g, g.handleBulkMove(req)
	case "stackop":
		return g, g.handleStackOp(req)
	case "add":
		return g, g.handleAdd(req)
	case "remove":
		return g, g.handleRemove(req)
	case "kvop":
		return g, g.handleKvOp(req, out)
	case "resync":
		return g, g.replySnapshot(out)
	case "reset":
		return g, g.handleReset()
	case "end":
		g.terminate("game ended")
		g.space.removeGame(g.gameid)
		return g.space, nil
	case "keepalive":
		out.Stream.Touch(g.now())
		return g, nil
	default:
		// Everything else is served at the space tier without leaving
		// the game, except a connect that moves to another table.
		next, err := g.space.Handle(req, out)
		if err != nil {
			return g, err
		}
		if ng, ok := next.(*GameHandler); ok && ng != g {
			g.dropStream(out.Stream)
			return ng, nil
		}
		return g, nil
	}
}

// Move is the wire form of one card relocation. DestKey is an integer for
// board destinations and a string for hands.
type Move struct {
	Card         int         `json:"card"`
	DestType     string      `json:"dest_type"`
	DestKey      interface{} `json:"dest_key"`
	DestOrient   int         `json:"dest_orient"`
	DestPrevType string      `json:"dest_prev_type,omitempty"`
}

// destLoc coerces the wire destination into a typed location.
func destLoc(m *Move) (table.Loc, error) {
	switch m.DestType {
	case table.LocBoard:
		switch k := m.DestKey.(type) {
		case float64:
			return table.BoardLoc(int(k)), nil
		case string:
			n, err := strconv.Atoi(k)
			if err != nil {
				return table.Loc{}, fmt.Errorf("bad board key %q", k)
			}
			return table.BoardLoc(n), nil
		default:
			return table.Loc{}, fmt.Errorf("bad board key type %T", m.DestKey)
		}
	case table.LocHands:
		k, ok := m.DestKey.(string)
		if !ok {
			return table.Loc{}, fmt.Errorf("bad hand key type %T", m.DestKey)
		}
		return table.HandLoc(k), nil
	default:
		return table.Loc{}, fmt.Errorf("%w: %q", table.ErrBadLocType, m.DestType)
	}
}

// normalizeHandOrient flattens orientations for cards entering a hand: cards
// picked up from the board always turn face up, otherwise only the face
// direction survives.
func normalizeHandOrient(m *Move) {
	if m.DestType != table.LocHands {
		return
	}
	switch {
	case m.DestPrevType == table.LocBoard:
		m.DestOrient = 1
	case m.DestOrient > 0:
		m.DestOrient = 1
	default:
		m.DestOrient = -1
	}
}

// handleMove applies one card relocation and broadcasts an update delta.
// The bulk form below is what modern clients send; this stays for older
// ones that move a single card at a time.
func (g *GameHandler) handleMove(req *Request) error {
	var data struct {
		Move Move `json:"move"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed move: %v", err)
	}
	move := &data.Move
	normalizeHandOrient(move)
	loc, err := destLoc(move)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	src, err := g.state.MoveCard(move.Card, loc, move.DestOrient)
	if err != nil {
		return err
	}
	g.broadcastLocked(EventUpdate, map[string]interface{}{
		"move":     move,
		"z_stack":  append([]int(nil), g.state.Stack(loc)...),
		"seqno":    g.nextSeqnoLocked(),
		"old_type": src.Type,
		"old_key":  src.Key(),
	}, nil)
	g.touchLocked()
	g.checkpointLocked()
	return nil
}

type moveUpdate struct {
	Move    Move        `json:"move"`
	OldType string      `json:"old_type"`
	OldKey  interface{} `json:"old_key"`
}

type destGroup struct {
	DestType string       `json:"dest_type"`
	DestKey  interface{}  `json:"dest_key"`
	Updates  []moveUpdate `json:"updates"`
	ZStack   []int        `json:"z_stack"`
	Seqno    int64        `json:"seqno"`
}

// handleBulkMove applies a batch of moves in order. Bad moves are logged and
// skipped; the batch never aborts. One bulkupdate carries the successful
// moves grouped by destination along with each destination's final stack.
func (g *GameHandler) handleBulkMove(req *Request) error {
	var data struct {
		Moves []Move `json:"moves"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed bulkmove: %v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var order []table.Loc
	groups := make(map[table.Loc]*destGroup)
	applied := 0
	for i := range data.Moves {
		move := &data.Moves[i]
		normalizeHandOrient(move)
		loc, err := destLoc(move)
		if err == nil {
			var src table.Loc
			src, err = g.state.MoveCard(move.Card, loc, move.DestOrient)
			if err == nil {
				seqno := g.nextSeqnoLocked()
				group, ok := groups[loc]
				if !ok {
					group = &destGroup{DestType: loc.Type, DestKey: loc.Key()}
					groups[loc] = group
					order = append(order, loc)
				}
				group.Updates = append(group.Updates, moveUpdate{
					Move:    *move,
					OldType: src.Type,
					OldKey:  src.Key(),
				})
				group.Seqno = seqno
				applied++
			}
		}
		if err != nil {
			g.log.Warnf("Ignoring bad move %+v: %v", *move, err)
		}
	}
	if applied == 0 {
		return nil
	}

	msg := make([]*destGroup, 0, len(order))
	for _, loc := range order {
		group := groups[loc]
		group.ZStack = append([]int(nil), g.state.Stack(loc)...)
		msg = append(msg, group)
	}
	g.broadcastLocked(EventBulkUpdate, msg, nil)
	g.touchLocked()
	g.checkpointLocked()
	return nil
}

func (g *GameHandler) handleStackOp(req *Request) error {
	var data struct {
		DestType string      `json:"dest_type"`
		DestKey  interface{} `json:"dest_key"`
		OpType   string      `json:"op_type"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed stackop: %v", err)
	}
	loc, err := destLoc(&Move{DestType: data.DestType, DestKey: data.DestKey})
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	stack, err := g.state.StackOp(loc, data.OpType, g.rng)
	if err != nil {
		return err
	}
	orients := make([]int, len(stack))
	for i, c := range stack {
		orients[i] = g.state.Orientations[c]
	}
	g.broadcastLocked(EventStackUpdate, map[string]interface{}{
		"op":      req.Data,
		"z_stack": stack,
		"orient":  orients,
		"seqno":   g.nextSeqnoLocked(),
	}, nil)
	g.touchLocked()
	g.checkpointLocked()
	return nil
}

type addedCard struct {
	ID       int    `json:"id"`
	Loc      int    `json:"loc"`
	URL      string `json:"url"`
	SmallURL string `json:"small_url"`
	Title    string `json:"title"`
	Orient   int    `json:"orient"`
}

// handleAdd resolves each requested name through the finder and mints cards
// onto the board. Unresolvable names are skipped; the request fails only
// when nothing could be added.
func (g *GameHandler) handleAdd(req *Request) error {
	var data struct {
		Cards []struct {
			Loc  int    `json:"loc"`
			Name string `json:"name"`
		} `json:"cards"`
		Requestor string `json:"requestor"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed add: %v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var added []addedCard
	for _, c := range data.Cards {
		cards, _, err := g.space.srv.finder.Find(g.state.SourceID, c.Name, true, 0)
		if err != nil {
			g.log.Warnf("Lookup failed for %q: %v", c.Name, err)
			continue
		}
		if len(cards) == 0 {
			g.log.Warnf("No asset found for %q", c.Name)
			continue
		}
		id, err := g.space.srv.loader.NewCard(g.state, cards[0].ImgURL)
		if err != nil {
			g.log.Warnf("Failed to load asset for %q: %v", c.Name, err)
			continue
		}
		g.state.Titles[id] = cards[0].Name
		g.state.PlaceOnBoard(c.Loc, id)
		added = append(added, addedCard{
			ID:       id,
			Loc:      c.Loc,
			URL:      g.state.URLs[id],
			SmallURL: g.state.URLsSmall[id],
			Title:    cards[0].Name,
			Orient:   g.state.Orientations[id],
		})
	}
	if len(added) == 0 {
		return errors.New("no cards added")
	}
	g.state.InitializeStacks(false, g.rng)

	g.broadcastLocked(EventBulkAdd, map[string]interface{}{
		"cards":     added,
		"requestor": data.Requestor,
		"seqno":     g.nextSeqnoLocked(),
	}, nil)
	g.touchLocked()
	g.checkpointLocked()
	return nil
}

func (g *GameHandler) handleRemove(req *Request) error {
	var ids []int
	if err := json.Unmarshal(req.Data, &ids); err != nil {
		return fmt.Errorf("malformed remove: %v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []int
	for _, id := range ids {
		if _, err := g.state.RemoveCard(id); err != nil {
			g.log.Warnf("Ignoring remove of %d: %v", id, err)
			continue
		}
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil
	}
	g.state.GC()

	g.broadcastLocked(EventBulkRemove, map[string]interface{}{
		"cards": removed,
		"seqno": g.nextSeqnoLocked(),
	}, nil)
	g.touchLocked()
	g.checkpointLocked()
	return nil
}

func (g *GameHandler) handleBroadcast(req *Request, out *Output) error {
	var opts struct {
		IncludeSelf bool `json:"include_self"`
	}
	// Payload shape is up to the clients; only include_self matters here.
	_ = json.Unmarshal(req.Data, &opts)

	g.mu.Lock()
	exclude := out.Stream
	if opts.IncludeSelf {
		exclude = nil
	}
	g.broadcastLocked(EventBroadcastMsg, req.Data, exclude)
	g.mu.Unlock()
	return out.Reply("ok")
}

type kvopRequest struct {
	Op        string          `json:"op"`
	Namespace string          `json:"namespace"`
	Key       json.RawMessage `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func kvopKey(raw json.RawMessage) (interface{}, error) {
	var key interface{}
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("malformed kvop key: %v", err)
	}
	if f, ok := key.(float64); ok {
		return int(f), nil
	}
	return key, nil
}

// handleKvOp exposes the scope's client KV space to games, namespaced so
// different client features cannot collide.
func (g *GameHandler) handleKvOp(req *Request, out *Output) error {
	var data kvopRequest
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed kvop: %v", err)
	}
	if data.Namespace == "" {
		return errors.New("kvop requires a namespace")
	}
	ns := g.space.clientNS.Subspace(data.Namespace)

	var resp interface{}
	switch data.Op {
	case "Put":
		key, err := kvopKey(data.Key)
		if err != nil {
			return err
		}
		if err := ns.PutRaw(key, data.Value); err != nil {
			return err
		}
		resp = "ok"
	case "Get":
		key, err := kvopKey(data.Key)
		if err != nil {
			return err
		}
		raw, ok, err := ns.GetRaw(key)
		if err != nil {
			return err
		}
		if ok {
			resp = raw
		}
	case "Delete":
		key, err := kvopKey(data.Key)
		if err != nil {
			return err
		}
		if err := ns.Delete(key); err != nil {
			return err
		}
		resp = "ok"
	case "List":
		keys, err := ns.List()
		if err != nil {
			return err
		}
		resp = keys
	default:
		return fmt.Errorf("invalid kvop %q", data.Op)
	}
	return out.Reply(map[string]interface{}{"req": req.Data, "resp": resp})
}

func (g *GameHandler) handleReset() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = table.NewState(g.space.sourceID, g.space.srv.finder.BackURL(g.space.sourceID))
	g.broadcastLocked(EventReset, g.snapshotLocked(), nil)
	g.touchLocked()
	g.checkpointLocked()
	return nil
}

// snapshotPayload is the reply body for connect, resync and reset.
type snapshotPayload struct {
	Data  json.RawMessage `json:"data"`
	Seqno int64           `json:"seqno"`
}

func (g *GameHandler) snapshotLocked() snapshotPayload {
	data, err := g.state.Snapshot()
	if err != nil {
		g.log.Errorf("Failed to snapshot game %s: %v", g.gameid, err)
		data = json.RawMessage("null")
	}
	return snapshotPayload{Data: data, Seqno: g.seqno}
}

func (g *GameHandler) replySnapshot(out *Output) error {
	g.mu.Lock()
	payload := g.snapshotLocked()
	g.mu.Unlock()
	return out.Reply(payload)
}

func (g *GameHandler) nextSeqnoLocked() int64 {
	g.seqno++
	return g.seqno
}

func (g *GameHandler) touchLocked() {
	g.lastUsed = time.Now()
}

// checkpointLocked persists the snapshot so the game survives restarts.
func (g *GameHandler) checkpointLocked() {
	rec := snapshotRecord{Seqno: g.seqno}
	data, err := g.state.Snapshot()
	if err != nil {
		g.log.Errorf("Failed to snapshot game %s: %v", g.gameid, err)
		return
	}
	rec.Data = data
	if err := g.space.gamesNS.Put(g.gameid, rec); err != nil {
		g.log.Errorf("Failed to checkpoint game %s: %v", g.gameid, err)
	}
}

// broadcastLocked fans a frame out to every stream except exclude. Streams
// that fail to take the write are dropped and a presence update follows.
func (g *GameHandler) broadcastLocked(event string, data interface{}, exclude *Stream) {
	broken := false
	for st := range g.streams {
		if st == exclude {
			continue
		}
		if err := st.Send(event, data); err != nil {
			g.log.Warnf("Removing broken stream from game %s: %v", g.gameid, err)
			st.Close()
			delete(g.streams, st)
			broken = true
		}
	}
	if broken && event != EventPresence {
		g.notifyPresenceLocked()
	}
}

// presenceGCLocked drops streams whose keepalive went stale.
func (g *GameHandler) presenceGCLocked() {
	cutoff := g.now().Add(-keepaliveTimeout)
	for st := range g.streams {
		if st.LastKeepalive().Before(cutoff) {
			g.log.Infof("Dropping idle stream from game %s", g.gameid)
			st.Close()
			delete(g.streams, st)
		}
	}
}

func (g *GameHandler) notifyPresenceLocked() {
	entries := make([]PresenceEntry, 0, len(g.streams))
	for st := range g.streams {
		entries = append(entries, st.Presence())
	}
	g.broadcastLocked(EventPresence, entries, nil)
}

func (g *GameHandler) addStream(st *Stream) {
	g.mu.Lock()
	g.presenceGCLocked()
	g.streams[st] = struct{}{}
	g.touchLocked()
	g.notifyPresenceLocked()
	g.mu.Unlock()
}

func (g *GameHandler) dropStream(st *Stream) {
	g.mu.Lock()
	if _, ok := g.streams[st]; ok {
		delete(g.streams, st)
		g.notifyPresenceLocked()
	}
	g.mu.Unlock()
}

// PresenceCount reports the number of live streams after GC.
func (g *GameHandler) PresenceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.presenceGCLocked()
	return len(g.streams)
}

// LastUsed returns the time of the last mutation or join.
func (g *GameHandler) LastUsed() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastUsed
}

// Terminated reports whether the game was ended or evicted.
func (g *GameHandler) Terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminated
}

// terminate ends the game: every stream gets an error frame and is closed,
// presence clears and the persisted snapshot is removed.
func (g *GameHandler) terminate(msg string) {
	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		return
	}
	g.terminated = true
	for st := range g.streams {
		st.SendError(msg)
		st.Close()
	}
	g.streams = make(map[*Stream]struct{})
	g.mu.Unlock()

	if err := g.space.gamesNS.Delete(g.gameid); err != nil {
		g.log.Errorf("Failed to delete snapshot for game %s: %v", g.gameid, err)
	}
	g.log.Infof("Terminated game %s: %s", g.gameid, msg)
}
