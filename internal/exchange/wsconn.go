package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPingInterval     = 20 * time.Second
	wsReadDeadline     = 60 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

// wsConn wraps one subscription connection: dial, an owner-driven read loop,
// and a keepalive ping loop. Each streaming cursor owns exactly one wsConn,
// so teardown is a single Close.
type wsConn struct {
	conn    *websocket.Conn
	venue   string
	mu      sync.Mutex // guards writes; gorilla allows one concurrent writer
	closeCh chan struct{}
	once    sync.Once

	// pingFrame, when set, is sent as a text message instead of a control
	// ping. Gate and Bybit expect application-level pings.
	pingFrame []byte
}

func dialWS(ctx context.Context, venue, url string) (*wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	w := &wsConn{
		conn:    conn,
		venue:   venue,
		closeCh: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})
	go w.pingLoop()
	return w, nil
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

// read returns the next text frame. The caller's loop classifies and routes.
func (w *wsConn) read() ([]byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	_, msg, err := w.conn.ReadMessage()
	return msg, err
}

func (w *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			var err error
			if w.pingFrame != nil {
				err = w.conn.WriteMessage(websocket.TextMessage, w.pingFrame)
			} else {
				err = w.conn.WriteMessage(websocket.PingMessage, nil)
			}
			w.mu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("venue", w.venue).Msg("ws ping failed")
				return
			}
		}
	}
}

func (w *wsConn) Close() {
	w.once.Do(func() {
		close(w.closeCh)
		w.conn.Close()
	})
}

// connSet tracks an adapter's live subscription connections for shutdown.
type connSet struct {
	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[*wsConn]struct{})}
}

// add registers a connection, closing it immediately when the set is already
// shut down.
func (s *connSet) add(c *wsConn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *connSet) remove(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[*wsConn]struct{}{}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
