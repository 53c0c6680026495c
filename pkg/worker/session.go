package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/workerlink/pkg/protocol"
)

// errSessionClosed is returned by send when the connection is gone; results
// produced after disconnect are discarded against it
var errSessionClosed = errors.New("session closed")

// session is the per-connection state on the server side. It is owned by
// its connection's read goroutine; the outbound channel plus a single writer
// goroutine are the only paths to the transport write side, so worker
// callbacks running on foreign goroutines never touch the socket directly.
type session struct {
	id     string
	ws     *websocket.Conn
	logger *zap.Logger

	// outbound is the bounded bridge between worker-side producers and the
	// writer goroutine; blocking on it is the back-pressure mechanism
	outbound chan protocol.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	establishedAt time.Time
	lastActivity  time.Time
	isProcessing  bool
	messageCount  int
}

// newSession creates a session and starts its writer goroutine
func newSession(id string, ws *websocket.Conn, buffer int, logger *zap.Logger) *session {
	now := time.Now()
	s := &session{
		id:            id,
		ws:            ws,
		logger:        logger.With(zap.String("connection_id", id)),
		outbound:      make(chan protocol.Envelope, buffer),
		done:          make(chan struct{}),
		establishedAt: now,
		lastActivity:  now,
	}

	go s.writeLoop()
	return s
}

// send queues an envelope for the writer goroutine. It blocks when the
// outbound buffer is full and fails once the session is closed.
func (s *session) send(env protocol.Envelope) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.outbound <- env:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// writeLoop is the session's single transport writer
func (s *session) writeLoop() {
	for {
		select {
		case env := <-s.outbound:
			raw, err := protocol.Encode(env)
			if err != nil {
				s.logger.Error("failed to encode outbound envelope", zap.Error(err))
				continue
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Debug("write failed, closing session", zap.Error(err))
				s.close()
				return
			}

		case <-s.done:
			return
		}
	}
}

// close shuts the transport down. Idempotent; safe from the read loop, the
// writer and the heartbeat sweeper alike.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)

		deadline := time.Now().Add(time.Second)
		_ = s.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		_ = s.ws.Close()
	})
}

// closed reports whether the session has been shut down
func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// touch records inbound activity. Only receipt resets the idle clock: if
// outbound probes counted, a dead peer would never be evicted.
func (s *session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// idle returns how long the session has been without activity
func (s *session) idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// beginProcessing flips the in-flight flag, reporting whether the caller won
func (s *session) beginProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isProcessing {
		return false
	}
	s.isProcessing = true
	return true
}

// endProcessing clears the in-flight flag
func (s *session) endProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isProcessing = false
}

// countMessage increments the inbound envelope counter
func (s *session) countMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
}
