package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/workerlink/pkg/protocol"
)

// eventBuffer bounds inbound envelopes queued between the receive loop and
// the coordinator
const eventBuffer = 64

// closeJoinWait bounds how long close waits for the receive loop to exit
const closeJoinWait = 5 * time.Second

// connection owns one WebSocket connection and its receive loop. A stale
// connection is never rebound: every call attempt dials a fresh one and
// tears it down on exit.
type connection struct {
	ws     *websocket.Conn
	logger *zap.Logger

	// events carries decoded inbound envelopes to the coordinator; the
	// receive loop closes it when the transport closes
	events chan protocol.Envelope

	// done is closed by close() to release the receive loop and the pinger
	done chan struct{}

	// recvDone is closed when the receive loop has exited
	recvDone chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// dial establishes a WebSocket connection and spawns its receive loop.
// Credentials travel on the handshake, never in envelope payloads.
func dial(ctx context.Context, url string, opts Options, logger *zap.Logger) (*connection, error) {
	header := http.Header{}
	if opts.APIKey != "" {
		header.Set("x-api-key", opts.APIKey)
	}
	if opts.BearerToken != "" {
		header.Set("Authorization", "Bearer "+opts.BearerToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, &ConnectError{URL: url, Err: err}
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	ws.SetReadLimit(opts.MaxMessageBytes)

	c := &connection{
		ws:       ws,
		logger:   logger,
		events:   make(chan protocol.Envelope, eventBuffer),
		done:     make(chan struct{}),
		recvDone: make(chan struct{}),
	}

	go c.receiveLoop()
	go c.pingLoop(opts.HeartbeatInterval)

	return c, nil
}

// receiveLoop decodes inbound frames into envelopes until the transport
// closes. Malformed or unknown messages are logged and dropped; the
// connection stays up.
func (c *connection) receiveLoop() {
	defer close(c.recvDone)
	defer close(c.events)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("receive loop ended", zap.Error(err))
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping invalid envelope", zap.Error(err))
			continue
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

// pingLoop keeps intermediary network devices from closing an idle socket.
// Control frames may be written concurrently with data frames.
func (c *connection) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// send encodes and writes one envelope. Writes are serialized: the pinger
// uses control frames only, so this mutex guards all data frames.
func (c *connection) send(env protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return ErrConnectionLost
	}
	return nil
}

// close tears the connection down and joins the receive loop with a bounded
// wait. Safe to call from any exit path, including when the transport is
// already closed.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		_ = c.ws.Close()

		select {
		case <-c.recvDone:
		case <-time.After(closeJoinWait):
			c.logger.Warn("receive loop did not exit in time")
		}
	})
}
