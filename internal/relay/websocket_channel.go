package relay

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type WebSocketChannelOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// WebSocketChannel adapts an accepted websocket to Channel. Frames are queued
// in a bounded outbox and written by a dedicated goroutine, so Send never
// waits on the network. A full outbox counts as a failed send.
type WebSocketChannel struct {
	conn         *websocket.Conn
	outbox       chan []byte
	writeTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	flush       bool
	closeStatus websocket.StatusCode
	closeReason string
	done        chan struct{}
	finished    chan struct{}
}

func NewWebSocketChannel(ctx context.Context, conn *websocket.Conn, opts WebSocketChannelOptions) *WebSocketChannel {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &WebSocketChannel{
		conn:         conn,
		outbox:       make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	// Clients only listen; any inbound data frame or a close ends the channel.
	readCtx := conn.CloseRead(ctx)
	go func() {
		select {
		case <-readCtx.Done():
			c.shutdown(websocket.StatusNormalClosure, "", false)
		case <-c.done:
		}
	}()
	go c.writeLoop()
	return c
}

func (c *WebSocketChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return errChannelBacklog
	}
}

func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.done
}

// Close flushes queued frames and then closes the socket.
func (c *WebSocketChannel) Close(reason string) error {
	c.shutdown(websocket.StatusNormalClosure, reason, true)
	return nil
}

// Wait blocks until the socket has been closed.
func (c *WebSocketChannel) Wait() {
	<-c.finished
}

func (c *WebSocketChannel) shutdown(status websocket.StatusCode, reason string, flush bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.flush = flush
	c.closeStatus = status
	c.closeReason = reason
	close(c.done)
}

func (c *WebSocketChannel) writeLoop() {
	defer close(c.finished)
	for {
		select {
		case frame := <-c.outbox:
			if err := c.write(frame); err != nil {
				c.shutdown(websocket.StatusInternalError, "write failed", false)
				_ = c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			c.mu.Lock()
			flush, status, reason := c.flush, c.closeStatus, c.closeReason
			c.mu.Unlock()
			if flush {
				c.drain()
			}
			_ = c.conn.Close(status, reason)
			return
		}
	}
}

func (c *WebSocketChannel) drain() {
	for {
		select {
		case frame := <-c.outbox:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WebSocketChannel) write(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}
