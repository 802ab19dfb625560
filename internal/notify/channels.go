package notify

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
)

// WebSocketChannel writes each message as one text frame.
type WebSocketChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	return &WebSocketChannel{conn: conn}
}

func (c *WebSocketChannel) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Reply writes a text frame outside the dispatcher, e.g. a pong.
func (c *WebSocketChannel) Reply(ctx context.Context, msg string) error {
	return c.Send(ctx, []byte(msg))
}

func (c *WebSocketChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// StreamChannel hands messages to a reader goroutine, such as an SSE
// handler, through a bounded buffer.
type StreamChannel struct {
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func NewStreamChannel(buffer int) *StreamChannel {
	if buffer <= 0 {
		buffer = 16
	}
	return &StreamChannel{
		out:    make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

func (c *StreamChannel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *StreamChannel) Messages() <-chan []byte {
	return c.out
}

func (c *StreamChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
