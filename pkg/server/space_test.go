package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPing(t *testing.T) {
	srv := newTestServer(t)
	conn, st, h := dial(srv)

	next := send(t, h, st, "ping", nil)
	assert.Same(t, h, next, "ping does not transition")
	reply := conn.lastOfType(t, "ping_resp")
	assert.Equal(t, "pong", reply["data"])
	assert.Greater(t, reply["time"], 0.0)
}

func TestSetScopeInvalidDatasource(t *testing.T) {
	srv := newTestServer(t)
	conn, st, h := dial(srv)

	next := send(t, h, st, "set_scope", map[string]string{
		"scope": "s", "datasource": "bogus",
	})
	assert.Same(t, h, next, "invalid datasource keeps the init handler")
	redirect := conn.lastOfType(t, "redirect")
	assert.Contains(t, redirect["msg"], "bogus")
	assert.NotEmpty(t, redirect["url"])
}

func TestUnknownRequestType(t *testing.T) {
	srv := newTestServer(t)
	_, st, h := dial(srv)

	_, err := sendErr(h, st, "fold", nil)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestConnectRepliesSnapshot(t *testing.T) {
	srv := newTestServer(t)
	conn, _, _ := join(t, srv, "s", "g1", "alice", "u1")

	reply := conn.lastOfType(t, "connect_resp")
	payload := reply["data"].(map[string]interface{})
	assert.Equal(t, float64(initialSeqno), payload["seqno"])

	state := payload["data"].(map[string]interface{})
	assert.Equal(t, "/back.png", state["default_back_url"])
	assert.Empty(t, state["board"])
	assert.Empty(t, state["hands"])
	assert.Equal(t, "poker", state["sourceid"])

	// The joiner sees their own presence entry.
	presence := conn.lastOfType(t, "presence")
	entries := presence["data"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "u1", entry["uuid"])
	assert.Equal(t, "alice", entry["name"])
}

func TestJoinBroadcastsPresenceToPeers(t *testing.T) {
	srv := newTestServer(t)
	conn1, _, _ := join(t, srv, "s", "g1", "alice", "u1")
	_, _, _ = join(t, srv, "s", "g1", "bob", "u2")

	frames := conn1.framesOfType("presence")
	require.NotEmpty(t, frames)
	entries := frames[len(frames)-1]["data"].([]interface{})
	assert.Len(t, entries, 2)
}

func TestListGames(t *testing.T) {
	srv := newTestServer(t)
	_, _, _ = join(t, srv, "s", "g1", "alice", "u1")
	_, _, _ = join(t, srv, "s", "g2", "bob", "u2")

	listConn, listStream, h := dial(srv)
	h = send(t, h, listStream, "set_scope", map[string]string{
		"scope": "s", "datasource": "poker",
	})
	send(t, h, listStream, "list_games", nil)

	reply := listConn.lastOfType(t, "list_games_resp")
	entries := reply["data"].([]interface{})
	require.Len(t, entries, 2)
	ids := make(map[string]float64)
	for _, e := range entries {
		m := e.(map[string]interface{})
		ids[m["gameid"].(string)] = m["presence"].(float64)
	}
	assert.Equal(t, float64(1), ids["g1"])
	assert.Equal(t, float64(1), ids["g2"])
}

func TestEndGame(t *testing.T) {
	srv := newTestServer(t)
	conn, _, g := join(t, srv, "s", "g1", "alice", "u1")
	space := g.space

	require.True(t, mustContain(t, space, "g1"), "snapshot persisted on create")

	_, st2, h := dial(srv)
	h = send(t, h, st2, "set_scope", map[string]string{
		"scope": "s", "datasource": "poker",
	})
	send(t, h, st2, "end_game", map[string]string{"gameid": "g1"})

	assert.True(t, g.Terminated())
	assert.True(t, conn.isClosed(), "terminated games close their streams")
	assert.NotEmpty(t, conn.framesOfType("error"))
	assert.False(t, mustContain(t, space, "g1"), "snapshot removed on terminate")

	_, err := sendErr(h, st2, "end_game", map[string]string{"gameid": "g1"})
	assert.Error(t, err, "ending a dead game fails")
}

func mustContain(t *testing.T, space *SpaceHandler, gameid string) bool {
	t.Helper()
	ok, err := space.gamesNS.Contains(gameid)
	require.NoError(t, err)
	return ok
}

func TestCapacityEviction(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.MaxGames = 2

	// The first client creates game a and leaves immediately.
	_, stA, gA := join(t, srv, "s", "a", "ann", "u1")
	gA.dropStream(stA)

	_, _, _ = join(t, srv, "s", "b", "bob", "u2")
	_, _, gC := join(t, srv, "s", "c", "cia", "u3")

	space := gC.space
	space.mu.Lock()
	_, hasA := space.games["a"]
	_, hasB := space.games["b"]
	_, hasC := space.games["c"]
	space.mu.Unlock()

	assert.False(t, hasA, "the empty game is evicted first")
	assert.True(t, hasB)
	assert.True(t, hasC)
	assert.True(t, gA.Terminated())

	// A later connect recreates the evicted game from scratch.
	conn, _, _ := join(t, srv, "s", "a", "dee", "u4")
	reply := conn.lastOfType(t, "connect_resp")
	payload := reply["data"].(map[string]interface{})
	assert.Equal(t, float64(initialSeqno), payload["seqno"])
}

func TestSnapshotRestoreOnNewServer(t *testing.T) {
	srv := newTestServer(t)
	_, st, g := join(t, srv, "s", "g1", "alice", "u1")
	id := addCard(t, g, st, 7, "ace")

	// A second server over the same store restores the game with its
	// cards and seqno intact.
	srv2 := newTestServerOn(t, srv.db, t.TempDir())
	conn2, _, g2 := join(t, srv2, "s", "g1", "bob", "u2")
	require.NotSame(t, g, g2)

	reply := conn2.lastOfType(t, "connect_resp")
	payload := reply["data"].(map[string]interface{})
	assert.Greater(t, payload["seqno"], float64(initialSeqno))

	g2.mu.Lock()
	defer g2.mu.Unlock()
	assert.Contains(t, g2.state.Board[7], id)
	loc, ok := g2.state.Index(id)
	require.True(t, ok)
	assert.Equal(t, 7, loc.Board)
}

func TestListScope(t *testing.T) {
	srv := newTestServer(t)
	_, _, _ = join(t, srv, "s", "g1", "alice", "u1")
	_, _, _ = join(t, srv, "s", "g2", "bob", "u2")

	conn, st, h := dial(srv)
	h = send(t, h, st, "set_scope", map[string]string{
		"scope": "s", "datasource": "poker",
	})
	send(t, h, st, "list_scope", nil)

	reply := conn.lastOfType(t, "list_scope_resp")
	data := reply["data"].(map[string]interface{})
	assert.Equal(t, "s", data["scope"])
	assert.Equal(t, "poker", data["datasource"])
	games := data["games"].([]interface{})
	assert.ElementsMatch(t, []interface{}{"g1", "g2"}, games)
}

func TestCloneScope(t *testing.T) {
	srv := newTestServer(t)
	_, st, g := join(t, srv, "s", "g1", "alice", "u1")
	addCard(t, g, st, 1, "ace")

	conn, st2, h := dial(srv)
	h = send(t, h, st2, "set_scope", map[string]string{
		"scope": "s", "datasource": "poker",
	})
	send(t, h, st2, "clone_scope", map[string]string{"target": "s2"})
	reply := conn.lastOfType(t, "clone_scope_resp")
	data := reply["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["copied"])

	// The clone is playable under the new scope.
	conn3, _, g3 := join(t, srv, "s2", "g1", "bob", "u2")
	require.NotSame(t, g, g3)
	payload := conn3.lastOfType(t, "connect_resp")["data"].(map[string]interface{})
	state := payload["data"].(map[string]interface{})
	assert.NotEmpty(t, state["board"])

	// Cloning onto itself is rejected.
	_, err := sendErr(h, st2, "clone_scope", map[string]string{"target": "s"})
	assert.Error(t, err)
}

func TestQuery(t *testing.T) {
	srv := newTestServer(t)
	conn, st, h := dial(srv)
	h = send(t, h, st, "set_scope", map[string]string{
		"scope": "s", "datasource": "poker",
	})

	send(t, h, st, "query", map[string]interface{}{
		"term": "ace", "datasource": "poker",
	})
	reply := conn.lastOfType(t, "query_resp")
	data := reply["data"].(map[string]interface{})
	stream := data["stream"].([]interface{})
	require.Len(t, stream, 1)
	card := stream[0].(map[string]interface{})
	assert.Equal(t, "ace", card["name"])
	assert.NotNil(t, data["req"], "the original request echoes back")

	_, err := sendErr(h, st, "query", map[string]interface{}{
		"term": "ace", "datasource": "bogus",
	})
	assert.Error(t, err)
}

func TestBulkQuery(t *testing.T) {
	srv := newTestServer(t)
	conn, st, h := dial(srv)
	h = send(t, h, st, "set_scope", map[string]string{
		"scope": "s", "datasource": "poker",
	})

	send(t, h, st, "bulkquery", map[string]interface{}{
		"terms": []string{"ace", "no-such-card"},
	})
	reply := conn.lastOfType(t, "bulkquery_resp")
	data := reply["data"].(map[string]interface{})
	require.Contains(t, data, "ace")
	require.Contains(t, data, "no-such-card")
	assert.NotNil(t, data["ace"])
	assert.Nil(t, data["no-such-card"], "unresolvable terms map to null")
}

func TestSampleCards(t *testing.T) {
	srv := newTestServer(t)
	conn, st, h := dial(srv)
	h = send(t, h, st, "set_scope", map[string]string{
		"scope": "s", "datasource": "poker",
	})

	send(t, h, st, "samplecards", nil)
	reply := conn.lastOfType(t, "samplecards_resp")
	assert.Equal(t, []interface{}{"ace", "king"}, reply["data"])
}

func TestKeepaliveGC(t *testing.T) {
	srv := newTestServer(t)
	conn1, _, g := join(t, srv, "s", "g1", "alice", "u1")
	_, st2, _ := join(t, srv, "s", "g1", "bob", "u2")

	// Fast-forward the game clock past the keepalive deadline; only bob
	// keeps phoning in.
	future := time.Now().Add(keepaliveTimeout + 10*time.Second)
	g.mu.Lock()
	g.now = func() time.Time { return future }
	g.mu.Unlock()
	st2.Touch(future)

	assert.Equal(t, 1, g.PresenceCount())
	assert.True(t, conn1.isClosed(), "stale streams are closed")
}
