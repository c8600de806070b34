package server

import (
	"sync"
	"time"
)

// Conn is the duplex client channel. *websocket.Conn satisfies it; tests
// substitute in-memory fakes.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Stream is the outbound half of one client connection plus its presence
// record. Writes are serialized; the read side stays with the connection
// driver.
type Stream struct {
	conn Conn

	mu            sync.Mutex
	user          string
	uuid          string
	lastKeepalive time.Time
}

func newStream(conn Conn) *Stream {
	return &Stream{conn: conn, lastKeepalive: time.Now()}
}

// Identify records the presence identity supplied at connect time.
func (st *Stream) Identify(user, uuid string) {
	st.mu.Lock()
	st.user = user
	st.uuid = uuid
	st.lastKeepalive = time.Now()
	st.mu.Unlock()
}

// Touch stamps the keepalive time.
func (st *Stream) Touch(now time.Time) {
	st.mu.Lock()
	st.lastKeepalive = now
	st.mu.Unlock()
}

// LastKeepalive returns the time of the last keepalive or connect.
func (st *Stream) LastKeepalive() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastKeepalive
}

// Presence returns the stream's presence entry.
func (st *Stream) Presence() PresenceEntry {
	st.mu.Lock()
	defer st.mu.Unlock()
	return PresenceEntry{UUID: st.uuid, Name: st.user}
}

// PresenceEntry is the wire form of one participant.
type PresenceEntry struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

func (st *Stream) write(v interface{}) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conn.WriteJSON(v)
}

// Send delivers a broadcast frame to the stream.
func (st *Stream) Send(event string, data interface{}) error {
	return st.write(broadcastFrame{Type: event, Data: data, Time: nowSeconds()})
}

// SendError delivers an error frame. Best effort.
func (st *Stream) SendError(msg string) {
	_ = st.write(errorFrame{Type: "error", Msg: msg})
}

// SendRedirect delivers a redirect frame. Best effort.
func (st *Stream) SendRedirect(msg, url string) {
	_ = st.write(redirectFrame{Type: "redirect", Msg: msg, URL: url})
}

// Close closes the underlying connection.
func (st *Stream) Close() error {
	return st.conn.Close()
}

// Output carries the reply context for a single request.
type Output struct {
	Stream   *Stream
	reqType  string
	futureID string
}

// Reply sends the standard "<type>_resp" reply frame for the request.
func (o *Output) Reply(data interface{}) error {
	return o.Stream.write(replyFrame{
		Type:     o.reqType + "_resp",
		Data:     data,
		Time:     nowSeconds(),
		FutureID: o.futureID,
	})
}
