package speech

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel is a duplex byte stream to the speech model. Implementations do
// not interpret payloads; framing and protocol live in the Adapter.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a fresh Channel for a session run.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// ErrChannelClosed is returned by Receive once the remote side has gone
// away and the inbound buffer is drained.
var ErrChannelClosed = fmt.Errorf("speech: channel closed")

type WSDialerConfig struct {
	URL    string
	APIKey string
	Header http.Header
}

// WSDialer dials the speech model over a websocket.
type WSDialer struct {
	cfg WSDialerConfig
}

func NewWSDialer(cfg WSDialerConfig) *WSDialer {
	return &WSDialer{cfg: cfg}
}

func (d *WSDialer) Dial(ctx context.Context) (Channel, error) {
	headers := http.Header{}
	for k, vs := range d.cfg.Header {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	if d.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial speech websocket: %w", err)
	}

	ch := &wsChannel{
		conn:    conn,
		inbound: make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

type wsChannel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	inbound   chan []byte
	done      chan struct{}
}

func (c *wsChannel) Send(_ context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-c.inbound:
		if !ok {
			return nil, ErrChannelClosed
		}
		return data, nil
	}
}

// readLoop is the only goroutine that closes inbound, so Close can never
// race a send on a closed channel while the model is still streaming.
func (c *wsChannel) readLoop() {
	defer close(c.inbound)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown()
			return
		}
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *wsChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
