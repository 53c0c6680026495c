package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/workerlink/pkg/auth"
	"github.com/aescanero/workerlink/pkg/protocol"
)

// Default server configuration
const (
	DefaultConnectionTimeout = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxMessageBytes   = 50 * 1024 * 1024
	DefaultWorkerPoolSize    = 4
	DefaultStreamBuffer      = 64
	DefaultMaxUploadBytes    = 16 * 1024 * 1024

	// verifyTimeout bounds one credential verification during the handshake
	verifyTimeout = 10 * time.Second
)

// ServerConfig configures a worker server. Zero values select the defaults
// above.
type ServerConfig struct {
	// Addr is the WebSocket listen address ("host:port")
	Addr string

	// SidecarAddr is the listen address of the HTTP side-channel (uploads,
	// health, status). Empty disables it.
	SidecarAddr string

	// ConnectionTimeout evicts sessions silent for longer than this
	ConnectionTimeout time.Duration

	// HeartbeatInterval is the sweep cadence of the heartbeat monitor
	HeartbeatInterval time.Duration

	// IdleProbeAfter sends a proactive heartbeat envelope to sessions idle
	// longer than this. Defaults to half the connection timeout.
	IdleProbeAfter time.Duration

	// MaxMessageBytes bounds a single inbound frame
	MaxMessageBytes int64

	// WorkerPoolSize bounds concurrent worker invocations across sessions
	WorkerPoolSize int

	// StreamBuffer is the outbound envelope buffer per session
	StreamBuffer int

	// UploadDir receives files posted to the upload side-channel
	UploadDir string

	// MaxUploadBytes bounds one upload request
	MaxUploadBytes int64

	// Verifier gates connections during the handshake. Nil disables
	// authentication.
	Verifier auth.Verifier
}

// withDefaults fills in zero-valued configuration
func (c ServerConfig) withDefaults() ServerConfig {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.IdleProbeAfter <= 0 {
		c.IdleProbeAfter = c.ConnectionTimeout / 2
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = DefaultStreamBuffer
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return c
}

// Server hosts a worker behind the WebSocket protocol: it gates connections
// on a credential, dispatches message envelopes to the worker through a
// bounded pool, bridges streamed chunks back onto each connection's writer,
// and evicts sessions that go silent.
type Server struct {
	worker Worker

	// streamer is non-nil when the worker exposes the streaming capability;
	// decided once here, never probed per call
	streamer StreamWorker

	cfg      ServerConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	wsServer      *http.Server
	sidecarServer *http.Server

	// slots is the bounded worker pool: one token per in-flight invocation
	slots chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// sessionMu guards the registry, the only state shared across
	// connections
	sessionMu sync.Mutex
	sessions  map[string]*session
}

// NewServer creates a server for the given worker. The streaming capability
// is selected here by type assertion.
func NewServer(w Worker, cfg ServerConfig, logger *zap.Logger) *Server {
	cfg = cfg.withDefaults()

	s := &Server{
		worker: w,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The protocol authenticates via credential, not origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		slots:    make(chan struct{}, cfg.WorkerPoolSize),
		stop:     make(chan struct{}),
		sessions: make(map[string]*session),
	}

	if streamer, ok := w.(StreamWorker); ok {
		s.streamer = streamer
	}

	return s
}

// Start initializes the worker, then begins serving connections and the
// heartbeat sweep
func (s *Server) Start() error {
	if err := s.worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	s.wg.Add(1)
	go s.sweepLoop()

	s.wsServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server error", zap.Error(err))
		}
	}()

	if s.cfg.SidecarAddr != "" {
		s.sidecarServer = &http.Server{
			Addr:              s.cfg.SidecarAddr,
			Handler:           s.sidecarHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := s.sidecarServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("sidecar server error", zap.Error(err))
			}
		}()
	}

	s.logger.Info("worker server started",
		zap.String("addr", s.cfg.Addr),
		zap.String("sidecar_addr", s.cfg.SidecarAddr),
		zap.Bool("streaming", s.streamer != nil),
		zap.Int("worker_pool_size", s.cfg.WorkerPoolSize),
	)
	return nil
}

// Stop closes all sessions, shuts the listeners down and stops the worker
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping worker server")

	s.stopOnce.Do(func() { close(s.stop) })

	if s.wsServer != nil {
		if err := s.wsServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shut down websocket server", zap.Error(err))
		}
	}
	if s.sidecarServer != nil {
		if err := s.sidecarServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shut down sidecar server", zap.Error(err))
		}
	}

	for _, sess := range s.snapshot() {
		sess.close()
		s.unregister(sess)
	}

	// Join the sweeper and any in-flight worker invocations, bounded by ctx
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline exceeded with work in flight")
	}

	if err := s.worker.Stop(); err != nil {
		return fmt.Errorf("failed to stop worker: %w", err)
	}

	s.logger.Info("worker server stopped")
	return nil
}

// Handler returns the WebSocket upgrade handler. Exposed so the server can
// be mounted on an existing listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnection)
	return mux
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return len(s.sessions)
}

// handleConnection runs the full lifecycle of one connection: handshake,
// auth gate, session registration, read loop, teardown
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	credential := extractCredential(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("handshake failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	// Auth gate: reject before any envelope is read. Verification runs in
	// this connection's own goroutine, so other sessions are never blocked.
	if s.cfg.Verifier != nil {
		if !s.authenticate(r.Context(), ws, credential) {
			_ = ws.Close()
			return
		}
	}

	sess := newSession(uuid.NewString(), ws, s.cfg.StreamBuffer, s.logger)
	s.register(sess)

	defer func() {
		s.unregister(sess)
		sess.close()
	}()

	sess.logger.Info("session established", zap.String("remote_addr", r.RemoteAddr))

	// Confirm the handshake so the client learns its connection id
	if err := sess.send(protocol.New(protocol.TypeConnect, sess.id, map[string]any{"connection_id": sess.id})); err != nil {
		return
	}

	s.readLoop(sess)

	sess.logger.Info("session ended")
}

// authenticate applies the auth gate, closing the transport with a
// distinguishable code on rejection. Returns true when the connection may
// proceed.
func (s *Server) authenticate(ctx context.Context, ws *websocket.Conn, credential string) bool {
	if credential == "" {
		s.logger.Warn("rejecting connection: missing credential")
		s.closeWithCode(ws, protocol.CloseMissingCredential, "missing credential")
		return false
	}

	verifyCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	identity, err := s.cfg.Verifier.Verify(verifyCtx, credential)
	if err != nil {
		s.logger.Warn("rejecting connection: invalid credential", zap.Error(err))
		s.closeWithCode(ws, protocol.CloseInvalidCredential, "invalid credential")
		return false
	}

	s.logger.Info("connection authenticated",
		zap.String("subject", identity.Subject),
		zap.String("credential_name", identity.Name),
	)
	return true
}

// closeWithCode sends a close frame with an application close code
func (s *Server) closeWithCode(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// readLoop processes inbound envelopes until the transport closes or the
// peer requests disconnection
func (s *Server) readLoop(sess *session) {
	for {
		_, raw, err := sess.ws.ReadMessage()
		if err != nil {
			sess.logger.Debug("read loop ended", zap.Error(err))
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			// Protocol errors drop the message, not the session
			sess.logger.Warn("dropping invalid envelope", zap.Error(err))
			continue
		}

		sess.touch()
		sess.countMessage()

		switch env.Type {
		case protocol.TypeMessage:
			s.dispatch(sess, env)

		case protocol.TypeHeartbeat:
			// Receipt already reset the idle clock

		case protocol.TypeDisconnect:
			sess.logger.Info("peer requested disconnect")
			return

		default:
			sess.logger.Debug("ignoring unexpected envelope", zap.String("type", string(env.Type)))
		}
	}
}

// dispatch hands a message envelope to the worker. A session processes one
// call at a time: overlapping requests are rejected synchronously, never
// queued.
func (s *Server) dispatch(sess *session, env protocol.Envelope) {
	if !sess.beginProcessing() {
		sess.logger.Warn("rejecting message while another is being processed",
			zap.String("call_id", env.ID),
		)
		_ = sess.send(protocol.New(protocol.TypeError, env.ID, map[string]any{
			"error": "another request is already being processed",
		}))
		return
	}

	s.wg.Add(1)
	go s.runCall(sess, env)
}

// runCall executes one worker invocation and emits exactly one terminal
// envelope: complete on success, error on failure, never both, never
// neither. Results arriving after the connection closed are discarded.
func (s *Server) runCall(sess *session, env protocol.Envelope) {
	defer s.wg.Done()
	defer sess.endProcessing()

	// Bounded pool: one slow worker call never starves other connections
	select {
	case s.slots <- struct{}{}:
	case <-sess.done:
		return
	case <-s.stop:
		return
	}
	defer func() { <-s.slots }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sess.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	started := time.Now()
	result, err := s.invoke(ctx, sess, env.ID, env.DataString("content"))

	var terminal protocol.Envelope
	if err != nil {
		sess.logger.Warn("worker call failed",
			zap.String("call_id", env.ID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		terminal = protocol.New(protocol.TypeError, env.ID, map[string]any{"error": err.Error()})
	} else {
		sess.logger.Info("worker call completed",
			zap.String("call_id", env.ID),
			zap.Duration("elapsed", time.Since(started)),
		)
		terminal = protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": result})
	}

	if sendErr := sess.send(terminal); errors.Is(sendErr, errSessionClosed) {
		sess.logger.Debug("discarding terminal for closed session", zap.String("call_id", env.ID))
	}
}

// invoke runs the worker call, bridging streamed chunks into stream
// envelopes through the session's bounded outbound channel. A worker panic
// becomes an ordinary call failure.
func (s *Server) invoke(ctx context.Context, sess *session, callID, content string) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panicked: %v", p)
		}
	}()

	if s.streamer != nil {
		return s.streamer.CallStream(ctx, content, func(chunk string) error {
			return sess.send(protocol.New(protocol.TypeStream, callID, map[string]any{"content": chunk}))
		})
	}
	return s.worker.Call(ctx, content)
}

// sweepLoop is the heartbeat monitor: a fixed-interval sweep, independent of
// any single call, that evicts silent sessions and probes idle ones
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep runs one pass over the registry
func (s *Server) sweep() {
	for _, sess := range s.snapshot() {
		idle := sess.idle()

		if idle > s.cfg.ConnectionTimeout {
			sess.logger.Info("evicting session after activity timeout",
				zap.Duration("idle", idle),
			)
			sess.close()
			s.unregister(sess)
			continue
		}

		if idle > s.cfg.IdleProbeAfter {
			// Best effort: a full outbound buffer means the session is not
			// idle on the wire anyway
			hb := protocol.New(protocol.TypeHeartbeat, sess.id, nil)
			select {
			case sess.outbound <- hb:
			default:
			}
		}
	}
}

// register adds a session to the registry
func (s *Server) register(sess *session) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	s.sessions[sess.id] = sess
}

// unregister removes a session from the registry
func (s *Server) unregister(sess *session) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	delete(s.sessions, sess.id)
}

// snapshot copies the live sessions so sweeps and shutdown never hold the
// registry lock while touching a transport
func (s *Server) snapshot() []*session {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// extractCredential pulls the credential from the handshake request: the
// x-api-key header, the Authorization bearer header or the api_key query
// parameter. Credentials never travel in envelope payloads.
func extractCredential(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}
