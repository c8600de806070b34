package server

import (
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vctt94/bisonbotkit/logging"

	"github.com/vctt94/cardtable/pkg/imagecache"
	"github.com/vctt94/cardtable/pkg/search"
	"github.com/vctt94/cardtable/pkg/store"
	"github.com/vctt94/cardtable/pkg/table"
)

// fakeConn is an in-memory Conn capturing outbound frames as generic maps.
type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]interface{}
	fail   bool
	closed bool

	reads   []json.RawMessage
	readPos int
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readPos >= len(c.reads) {
		return io.EOF
	}
	raw := c.reads[c.readPos]
	c.readPos++
	return json.Unmarshal(raw, v)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

// framesOfType returns the captured frames with the given type field.
func (c *fakeConn) framesOfType(typ string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range c.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastOfType(t *testing.T, typ string) map[string]interface{} {
	t.Helper()
	frames := c.framesOfType(typ)
	require.NotEmpty(t, frames, "no %s frame captured", typ)
	return frames[len(frames)-1]
}

// stubPlugin resolves any term to one deterministic local asset.
type stubPlugin struct{}

func (stubPlugin) Fetch(term string, exact bool, limit int) ([]search.Card, search.Meta, error) {
	if term == "no-such-card" {
		return nil, search.Meta{}, nil
	}
	return []search.Card{{Name: term, ImgURL: "/img/" + term + ".jpg"}}, search.Meta{}, nil
}

func (stubPlugin) BackURL() string                            { return "/back.png" }
func (stubPlugin) Sample() []string                           { return []string{"ace", "king"} }
func (stubPlugin) SampleDeck(string, int) map[string][]string { return nil }
func (stubPlugin) Complete(string) []string                   { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newTestServerOn(t, db, filepath.Join(dir, "cache"))
}

// newTestServerOn builds a server over an existing store, for restart tests.
func newTestServerOn(t *testing.T, db *store.DB, cacheDir string) *Server {
	t.Helper()
	backend, err := logging.NewLogBackend(logging.LogConfig{DebugLevel: "error"})
	require.NoError(t, err)

	images, err := imagecache.New(imagecache.Config{
		Log: backend.Logger("CACH"),
		Dir: cacheDir,
	}, db)
	require.NoError(t, err)

	finder, err := search.NewFinder(backend.Logger("FIND"), db, images,
		map[string]search.Plugin{"poker": stubPlugin{}})
	require.NoError(t, err)

	srv, err := New(Config{
		LogBackend: backend,
		DB:         db,
		Finder:     finder,
		Loader:     table.NewLoader(backend.Logger("GAME"), images),
		MaxGames:   DefaultMaxGames,
	})
	require.NoError(t, err)
	return srv
}

// send drives one request through the handler machine, failing the test on a
// handler error.
func send(t *testing.T, h Handler, st *Stream, typ string, data interface{}) Handler {
	t.Helper()
	next, err := sendErr(h, st, typ, data)
	require.NoError(t, err, "request %s", typ)
	return next
}

func sendErr(h Handler, st *Stream, typ string, data interface{}) (Handler, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return h, err
	}
	return h.Handle(
		&Request{Type: typ, Data: raw},
		&Output{Stream: st, reqType: typ},
	)
}

// dial opens a fake connection in the init state.
func dial(srv *Server) (*fakeConn, *Stream, Handler) {
	conn := &fakeConn{}
	return conn, newStream(conn), &InitHandler{srv: srv, log: srv.log}
}

// join walks a fresh connection through set_scope and connect, returning the
// game handler it lands in.
func join(t *testing.T, srv *Server, scope, gameid, user, uuid string) (*fakeConn, *Stream, *GameHandler) {
	t.Helper()
	conn, st, h := dial(srv)
	h = send(t, h, st, "set_scope", map[string]string{
		"scope": scope, "datasource": "poker",
	})
	h = send(t, h, st, "connect", map[string]string{
		"gameid": gameid, "user": user, "uuid": uuid,
	})
	game, ok := h.(*GameHandler)
	require.True(t, ok, "connect did not land in a game handler")
	return conn, st, game
}

// addCard mints one card through the add request and returns its id.
func addCard(t *testing.T, g *GameHandler, st *Stream, loc int, name string) int {
	t.Helper()
	send(t, g, st, "add", map[string]interface{}{
		"cards":     []map[string]interface{}{{"loc": loc, "name": name}},
		"requestor": "test",
	})
	g.mu.Lock()
	defer g.mu.Unlock()
	stack := g.state.Board[loc]
	require.NotEmpty(t, stack)
	return stack[len(stack)-1]
}
