// Package relay implements the websocket fan-out server behind the "relay"
// signaling transport. It knows nothing about the signal schema: every frame
// a client sends is forwarded verbatim to the other members of its topic
// room. The sender never gets its own frames back.
package relay

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Signaling frames carry no secrets beyond SDP; rooms are scoped by
		// topic name, which both call parties already share out of band.
		return true
	},
}

// Server is a topic-room websocket relay.
type Server struct {
	addr string

	mu    sync.RWMutex
	rooms map[string]*room

	httpSrv  *http.Server
	listener net.Listener
}

type room struct {
	topic string
	mu    sync.RWMutex
	peers map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	// send is closed from two places: the reader's teardown and room.add
	// when a reconnecting peer replaces this connection.
	sendOnce sync.Once
}

func (c *client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

func New(addr string) *Server {
	return &Server{
		addr:  addr,
		rooms: make(map[string]*room),
	}
}

// Start begins serving on the configured address. It returns once the
// listener is bound; the server shuts down when ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("RELAY: serve error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
	}()

	log.Printf("RELAY: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address (useful when addr had port 0).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	peerID := r.URL.Query().Get("peer")
	if topic == "" || peerID == "" {
		http.Error(w, "topic and peer are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   peerID,
		conn: conn,
		send: make(chan []byte, 64),
	}

	rm := s.getOrCreateRoom(topic)
	rm.add(c)
	log.Printf("RELAY: %s joined %s (%d members)", peerID, topic, rm.size())

	go c.writePump()
	c.readPump(rm, s)
}

func (s *Server) getOrCreateRoom(topic string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[topic]
	if !ok {
		rm = &room{topic: topic, peers: make(map[string]*client)}
		s.rooms[topic] = rm
	}
	return rm
}

func (s *Server) dropIfEmpty(rm *room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm.size() == 0 {
		delete(s.rooms, rm.topic)
		log.Printf("RELAY: removed empty room %s", rm.topic)
	}
}

func (r *room) add(c *client) {
	r.mu.Lock()
	// A reconnecting peer replaces its previous connection.
	if old, ok := r.peers[c.id]; ok {
		old.closeSend()
	}
	r.peers[c.id] = c
	r.mu.Unlock()
}

func (r *room) remove(c *client) {
	r.mu.Lock()
	if cur, ok := r.peers[c.id]; ok && cur == c {
		delete(r.peers, c.id)
	}
	r.mu.Unlock()
}

func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// broadcast forwards data to every room member except the sender.
func (r *room) broadcast(data []byte, senderID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.peers {
		if id == senderID {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Printf("RELAY: %s in %s is not draining, frame dropped", id, r.topic)
		}
	}
}

func (c *client) readPump(rm *room, s *Server) {
	defer func() {
		rm.remove(c)
		s.dropIfEmpty(rm)
		c.closeSend()
		log.Printf("RELAY: %s left %s", c.id, rm.topic)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		rm.broadcast(data, c.id)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Channel closed: room shut us out (replacement or teardown).
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
