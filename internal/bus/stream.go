package bus

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is the maximum inbound message size allowed.
	MaxMessageSize = 512

	// DefaultReplay is how many recent events a new client receives.
	DefaultReplay = 50

	clientBuffer = 256
)

// Stream exposes the event log to WebSocket clients. Each client first
// receives a replay of recent events and then every new event as a JSON text
// frame. Clients that cannot keep up are disconnected.
type Stream struct {
	log      *Log
	replay   int
	upgrader websocket.Upgrader

	clients map[*streamClient]struct{}
	mu      sync.Mutex
	subID   SubscriptionID
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	lastID int64
	closed bool
}

// NewStream attaches a WebSocket stream to the event log.
func NewStream(l *Log, replay int) *Stream {
	if replay < 0 {
		replay = DefaultReplay
	}
	s := &Stream{
		log:    l,
		replay: replay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local dashboards and the persona layer connect cross-origin.
				return true
			},
		},
		clients: make(map[*streamClient]struct{}),
	}
	s.subID = l.Subscribe("", s.handleEvent)
	return s
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Stream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request to a WebSocket. The optional "replay" query
// parameter overrides how many recent events are sent first.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	replay := s.replay
	if v := r.URL.Query().Get("replay"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			replay = n
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("event stream upgrade failed")
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, clientBuffer)}
	s.register(c, replay)

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// register adds the client and queues the replay while holding the client
// lock, so live events that race with the replay are not sent twice.
func (s *Stream) register(c *streamClient, replay int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.lastID = s.log.LastID()
	if replay > 0 {
		c.lastID = 0
		for _, e := range s.log.Recent(replay) {
			s.enqueue(c, e)
			c.lastID = e.ID
		}
	}
	s.clients[c] = struct{}{}

	log.Debug().Int("clients", len(s.clients)).Msg("event stream client connected")
}

func (s *Stream) handleEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if e.ID <= c.lastID {
			continue
		}
		c.lastID = e.ID
		if !s.enqueue(c, e) {
			s.dropLocked(c)
		}
	}
}

func (s *Stream) enqueue(c *streamClient, e Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Int64("event_id", e.ID).Msg("failed to marshal event")
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (s *Stream) dropLocked(c *streamClient) {
	if c.closed {
		return
	}
	c.closed = true
	delete(s.clients, c)
	close(c.send)
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	s.dropLocked(c)
	n := len(s.clients)
	s.mu.Unlock()
	log.Debug().Int("clients", n).Msg("event stream client disconnected")
}

// writePump handles sending messages to the WebSocket client.
func (s *Stream) writePump(c *streamClient) {
	defer s.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.remove(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.remove(c)
				return
			}
		}
	}
}

// readPump drains inbound frames so pongs and close frames are processed.
func (s *Stream) readPump(c *streamClient) {
	defer s.wg.Done()
	defer s.remove(c)

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("event stream read error")
			}
			return
		}
	}
}

// Close disconnects every client and detaches from the event log.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Unsubscribe(s.subID)

	s.mu.Lock()
	for c := range s.clients {
		s.dropLocked(c)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
