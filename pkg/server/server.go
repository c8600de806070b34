package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"github.com/vctt94/bisonbotkit/logging"

	"github.com/vctt94/cardtable/pkg/search"
	"github.com/vctt94/cardtable/pkg/store"
	"github.com/vctt94/cardtable/pkg/table"
)

// DefaultMaxGames caps how many games one scope keeps alive.
const DefaultMaxGames = 5

// Config carries the server's collaborators and tunables.
type Config struct {
	LogBackend *logging.LogBackend
	DB         *store.DB
	Finder     *search.Finder
	Loader     *table.Loader
	// MaxGames bounds the per-scope registry; DefaultMaxGames when zero.
	MaxGames int
}

// Server is the connection hub: it owns the space registry and drives one
// session per client connection.
type Server struct {
	log        slog.Logger
	logBackend *logging.LogBackend
	cfg        Config
	db         *store.DB
	finder     *search.Finder
	loader     *table.Loader

	gamesRoot  *store.Namespace
	clientRoot *store.Namespace

	mu     sync.Mutex
	spaces map[string]*SpaceHandler

	upgrader websocket.Upgrader
}

// New builds a Server over an opened store.
func New(cfg Config) (*Server, error) {
	if cfg.MaxGames <= 0 {
		cfg.MaxGames = DefaultMaxGames
	}
	gamesRoot, err := store.NewNamespace(cfg.DB, "Games", 0)
	if err != nil {
		return nil, err
	}
	clientRoot, err := store.NewNamespace(cfg.DB, "ClientDB", 0)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:        cfg.LogBackend.Logger("SRVR"),
		logBackend: cfg.LogBackend,
		cfg:        cfg,
		db:         cfg.DB,
		finder:     cfg.Finder,
		loader:     cfg.Loader,
		gamesRoot:  gamesRoot,
		clientRoot: clientRoot,
		spaces:     make(map[string]*SpaceHandler),
		upgrader: websocket.Upgrader{
			// The game protocol carries its own identity; the origin
			// check is left to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Space returns the handler for (scope, sourceID), creating it and restoring
// its persisted games on first use.
func (s *Server) Space(scope, sourceID string) (*SpaceHandler, error) {
	key := scope + "/" + sourceID
	s.mu.Lock()
	defer s.mu.Unlock()
	if space, ok := s.spaces[key]; ok {
		return space, nil
	}
	space, err := newSpaceHandler(s, scope, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to open scope %s: %v", key, err)
	}
	s.spaces[key] = space
	return space, nil
}

// Finder exposes the search pipeline, used by the cache learner.
func (s *Server) Finder() *search.Finder {
	return s.finder
}

// ServeConn drives the handler state machine for one client connection. It
// returns when the connection closes or fails.
func (s *Server) ServeConn(conn Conn) {
	st := newStream(conn)
	defer st.Close()

	var h Handler = &InitHandler{srv: s, log: s.log}
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			s.log.Debugf("Connection closed: %v", err)
			break
		}
		if req.Type == "" {
			st.SendError("missing request type")
			continue
		}
		s.log.Tracef("Serving %s", req.Type)
		next, err := h.Handle(&req, &Output{
			Stream:   st,
			reqType:  req.Type,
			futureID: req.FutureID,
		})
		if err != nil {
			s.log.Warnf("Request %s failed: %v", req.Type, err)
			st.SendError(err.Error())
			continue
		}
		h = next
	}

	if g, ok := h.(*GameHandler); ok {
		g.dropStream(st)
	}
}

// HandleWS upgrades an HTTP request and serves the session on it.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	s.log.Infof("New connection from %s", r.RemoteAddr)
	s.ServeConn(conn)
}
