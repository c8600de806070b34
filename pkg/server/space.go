package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/vctt94/cardtable/pkg/search"
	"github.com/vctt94/cardtable/pkg/store"
)

// maxSleep caps the sleep request used by clients to probe latency.
const maxSleep = 5 * time.Second

// snapshotRecord is the persisted form of one game in the Games namespace.
type snapshotRecord struct {
	Data  json.RawMessage `json:"data"`
	Seqno int64           `json:"seqno"`
}

// SpaceHandler owns the game registry for one (scope, datasource) pair.
// There is one instance per scope, shared by every connection bound to it;
// per-connection state travels in the Output.
type SpaceHandler struct {
	srv      *Server
	log      slog.Logger
	scope    string
	sourceID string

	mu    sync.Mutex
	games map[string]*GameHandler

	gamesNS  *store.Namespace
	clientNS *store.Namespace
}

// newSpaceHandler builds the handler and resurrects every game persisted
// under its scope.
func newSpaceHandler(srv *Server, scope, sourceID string) (*SpaceHandler, error) {
	h := &SpaceHandler{
		srv:      srv,
		log:      srv.logBackend.Logger("SPAC"),
		scope:    scope,
		sourceID: sourceID,
		games:    make(map[string]*GameHandler),
		gamesNS:  srv.gamesRoot.Subspace(scope).Subspace(sourceID),
		clientNS: srv.clientRoot.Subspace(scope).Subspace(sourceID),
	}

	err := h.gamesNS.ForEach(func(gameid string, raw []byte) error {
		var rec snapshotRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			h.log.Errorf("Skipping corrupt snapshot for game %s: %v", gameid, err)
			return nil
		}
		game, err := restoreGameHandler(h, gameid, rec)
		if err != nil {
			h.log.Errorf("Failed to restore game %s: %v", gameid, err)
			return nil
		}
		h.log.Infof("Restored game %s at seqno %d", gameid, rec.Seqno)
		h.games[gameid] = game
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan games for scope %s: %v", scope, err)
	}
	return h, nil
}

func (h *SpaceHandler) Handle(req *Request, out *Output) (Handler, error) {
	switch req.Type {
	case "ping":
		return h, out.Reply("pong")
	case "connect":
		return h.handleConnect(req, out)
	case "list_games":
		return h, h.handleListGames(out)
	case "end_game":
		return h, h.handleEndGame(req, out)
	case "list_scope":
		return h, h.handleListScope(out)
	case "clone_scope":
		return h, h.handleCloneScope(req, out)
	case "query":
		return h, h.handleQuery(req, out)
	case "bulkquery":
		return h, h.handleBulkQuery(req, out)
	case "samplecards":
		return h, h.handleSampleCards(out)
	case "keepalive":
		out.Stream.Touch(time.Now())
		return h, nil
	case "sleep":
		return h, h.handleSleep(req, out)
	default:
		return h, fmt.Errorf("%w %q", ErrUnknownRequest, req.Type)
	}
}

type connectRequest struct {
	GameID string `json:"gameid"`
	User   string `json:"user"`
	UUID   string `json:"uuid"`
}

func (h *SpaceHandler) handleConnect(req *Request, out *Output) (Handler, error) {
	var data connectRequest
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return h, fmt.Errorf("malformed connect: %v", err)
	}
	if data.GameID == "" {
		return h, errors.New("connect requires a gameid")
	}

	h.mu.Lock()
	game, ok := h.games[data.GameID]
	if ok {
		h.log.Infof("Joining existing game %q", data.GameID)
	} else {
		h.log.Infof("Creating new game %q", data.GameID)
		game = newGameHandler(h, data.GameID)
		h.games[data.GameID] = game
	}
	out.Stream.Identify(data.User, data.UUID)
	game.addStream(out.Stream)
	h.mu.Unlock()

	if err := game.replySnapshot(out); err != nil {
		return h, err
	}
	h.capacityGC()
	return game, nil
}

type gameListEntry struct {
	GameID   string `json:"gameid"`
	Presence int    `json:"presence"`
}

// rank orders games best first: games with players before empty ones, then
// most recently used. Eviction victimizes from the tail.
func (h *SpaceHandler) rank() []*GameHandler {
	games := make([]*GameHandler, 0, len(h.games))
	for _, g := range h.games {
		games = append(games, g)
	}
	sort.Slice(games, func(i, j int) bool {
		pi, pj := games[i].PresenceCount() > 0, games[j].PresenceCount() > 0
		if pi != pj {
			return pi
		}
		return games[i].LastUsed().After(games[j].LastUsed())
	})
	return games
}

func (h *SpaceHandler) handleListGames(out *Output) error {
	h.mu.Lock()
	ranked := h.rank()
	entries := make([]gameListEntry, 0, len(ranked))
	for _, g := range ranked {
		entries = append(entries, gameListEntry{
			GameID:   g.gameid,
			Presence: g.PresenceCount(),
		})
	}
	h.mu.Unlock()
	return out.Reply(entries)
}

func (h *SpaceHandler) handleEndGame(req *Request, out *Output) error {
	var data struct {
		GameID string `json:"gameid"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed end_game: %v", err)
	}

	h.mu.Lock()
	game, ok := h.games[data.GameID]
	if ok {
		game.terminate("game ended")
		delete(h.games, data.GameID)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such game %q", data.GameID)
	}
	h.capacityGC()
	return out.Reply("ok")
}

// removeGame unregisters a game that terminated itself.
func (h *SpaceHandler) removeGame(gameid string) {
	h.mu.Lock()
	delete(h.games, gameid)
	h.mu.Unlock()
}

// capacityGC drops terminated games and evicts the worst-ranked games until
// the scope is back under its cap.
func (h *SpaceHandler) capacityGC() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, g := range h.games {
		if g.Terminated() {
			delete(h.games, id)
		}
	}
	for len(h.games) > h.srv.cfg.MaxGames {
		ranked := h.rank()
		victim := ranked[len(ranked)-1]
		h.log.Infof("Evicting game %q over capacity", victim.gameid)
		victim.terminate("game evicted")
		delete(h.games, victim.gameid)
	}
}

// handleListScope reports every game persisted in the scope, loaded or not.
func (h *SpaceHandler) handleListScope(out *Output) error {
	gameids, err := h.gamesNS.List()
	if err != nil {
		return fmt.Errorf("failed to list scope: %v", err)
	}
	return out.Reply(map[string]interface{}{
		"scope":      h.scope,
		"datasource": h.sourceID,
		"games":      gameids,
	})
}

// handleCloneScope copies every persisted game snapshot into another scope
// under the same datasource.
func (h *SpaceHandler) handleCloneScope(req *Request, out *Output) error {
	var data struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed clone_scope: %v", err)
	}
	if data.Target == "" || data.Target == h.scope {
		return fmt.Errorf("invalid clone target %q", data.Target)
	}

	target := h.srv.gamesRoot.Subspace(data.Target).Subspace(h.sourceID)
	copied := 0
	err := h.gamesNS.ForEach(func(gameid string, raw []byte) error {
		if err := target.PutRaw(gameid, raw); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clone scope: %v", err)
	}
	h.log.Infof("Cloned %d games from scope %s to %s", copied, h.scope, data.Target)
	return out.Reply(map[string]interface{}{"copied": copied})
}

type queryRequest struct {
	Term         string `json:"term"`
	Datasource   string `json:"datasource"`
	AllowInexact bool   `json:"allow_inexact"`
	Limit        int    `json:"limit"`
}

// defaultQueryLimit bounds inexact scans so a one-word query cannot dump the
// whole catalog on the wire.
const defaultQueryLimit = 100

func (h *SpaceHandler) handleQuery(req *Request, out *Output) error {
	var data queryRequest
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed query: %v", err)
	}
	source := data.Datasource
	if source == "" {
		source = h.sourceID
	}

	cards, meta, err := h.srv.finder.Find(source, data.Term, true, 0)
	if errors.Is(err, search.ErrSourceNotFound) {
		return err
	}
	if (err != nil || len(cards) == 0) && data.AllowInexact {
		limit := data.Limit
		if limit <= 0 {
			limit = defaultQueryLimit
		}
		cards, meta, err = h.srv.finder.Find(source, data.Term, false, limit)
	}
	if err != nil {
		return err
	}
	return out.Reply(map[string]interface{}{
		"stream": cards,
		"meta":   meta,
		"req":    req.Data,
	})
}

func (h *SpaceHandler) handleBulkQuery(req *Request, out *Output) error {
	var data struct {
		Terms      []string `json:"terms"`
		Datasource string   `json:"datasource"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed bulkquery: %v", err)
	}
	source := data.Datasource
	if source == "" {
		source = h.sourceID
	}

	results := make(map[string]*search.Card, len(data.Terms))
	for _, term := range data.Terms {
		cards, _, err := h.srv.finder.Find(source, term, true, 0)
		if err != nil || len(cards) == 0 {
			results[term] = nil
			continue
		}
		card := cards[0]
		results[term] = &card
	}
	return out.Reply(results)
}

// handleSampleCards returns a starter list of card names, used by clients to
// seed an empty deck panel.
func (h *SpaceHandler) handleSampleCards(out *Output) error {
	names, err := h.srv.finder.Sample(h.sourceID)
	if err != nil {
		return err
	}
	return out.Reply(names)
}

func (h *SpaceHandler) handleSleep(req *Request, out *Output) error {
	var data struct {
		Seconds float64 `json:"seconds"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fmt.Errorf("malformed sleep: %v", err)
	}
	d := time.Duration(data.Seconds * float64(time.Second))
	if d < 0 {
		d = 0
	}
	if d > maxSleep {
		d = maxSleep
	}
	time.Sleep(d)
	return out.Reply("done")
}
