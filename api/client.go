package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds each WebSocket write so one stuck client cannot hold
// the broadcast worker indefinitely.
const writeTimeout = 10 * time.Second

// wsClient adapts a gorilla connection into a gateway.Subscriber. Writes
// come from both the handshake path and the broadcast worker, so they are
// serialized with a mutex.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn}
}

// Send delivers one already-marshaled message.
func (c *wsClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendJSON marshals v and delivers it.
func (c *wsClient) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}
