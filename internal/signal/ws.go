package signal

import (
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/voxlink/internal/proto"
)

// RelayClient is a websocket-backed Signaler. It connects to a voxlink relay
// and joins the session topic room; the relay broadcasts every frame to the
// other members of the room, never back to the sender.
type RelayClient struct {
	conn  *websocket.Conn
	topic string
	self  string
	hub   *hub

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialRelay connects to relayURL (ws:// or wss://) and joins topic as selfID.
func DialRelay(relayURL, topic, selfID string) (*RelayClient, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	q.Set("peer", selfID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &RelayClient{
		conn:  conn,
		topic: topic,
		self:  selfID,
		hub:   newHub(),
	}
	go c.readLoop()

	log.Printf("SIGNAL: joined relay room %s as %s", topic, selfID)
	return c, nil
}

func (c *RelayClient) readLoop() {
	defer c.hub.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		sm, err := proto.Decode(data)
		if err != nil {
			log.Printf("SIGNAL: dropping malformed relay frame: %v", err)
			continue
		}
		c.hub.publish(&proto.Envelope{Topic: c.topic, Msg: sm})
	}
}

func (c *RelayClient) Send(msg *proto.SignalMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *RelayClient) Subscribe() (<-chan *proto.Envelope, func()) {
	ch, cancel := c.hub.subscribe()
	return ch, cancel
}

func (c *RelayClient) Self() string { return c.self }

func (c *RelayClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.hub.close()
	})
	return err
}
