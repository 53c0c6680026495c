package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/workerlink/pkg/protocol"
)

// Default timeout and retry configuration
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultResponseTimeout   = time.Hour
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 5 * time.Second
	DefaultMaxMessageBytes   = 50 * 1024 * 1024

	// maxActivityTimeout caps the derived activity window
	maxActivityTimeout = 5 * time.Minute
)

// Options configures a Router. Zero values select the defaults above.
type Options struct {
	// APIKey is sent as the x-api-key handshake header when set
	APIKey string

	// BearerToken is sent as an Authorization: Bearer handshake header when set
	BearerToken string

	// ConnectTimeout bounds one handshake attempt
	ConnectTimeout time.Duration

	// ResponseTimeout bounds a whole call regardless of activity
	ResponseTimeout time.Duration

	// ActivityTimeout aborts a call when no envelope of any kind arrives
	// within the window. Defaults to min(5m, ResponseTimeout/2).
	ActivityTimeout time.Duration

	// HeartbeatInterval is the client-side ping cadence
	HeartbeatInterval time.Duration

	// MaxRetries is the number of call attempts before giving up
	MaxRetries int

	// RetryDelay is the pause between attempts
	RetryDelay time.Duration

	// MaxMessageBytes bounds a single inbound frame
	MaxMessageBytes int64

	// Logger defaults to zap.NewNop()
	Logger *zap.Logger
}

// withDefaults fills in zero-valued options
func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = o.ResponseTimeout / 2
		if o.ActivityTimeout > maxActivityTimeout {
			o.ActivityTimeout = maxActivityTimeout
		}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Router dispatches calls to a remote worker over a WebSocket connection.
//
// A router serializes calls: at most one is in flight at a time, and a
// concurrent Call fails immediately with ErrCallInProgress. Each call
// attempt dials a fresh connection and tears it down on exit, so a stale
// transport handle is never reused.
type Router struct {
	url    string
	opts   Options
	logger *zap.Logger

	// flightMu guards the single-flight flag and the closed flag
	flightMu   sync.Mutex
	processing bool
	closed     bool

	// stateMu guards the observable session state below
	stateMu      sync.Mutex
	connected    bool
	connectionID string
	lastActivity time.Time
	messageCount int
}

// Status is a point-in-time snapshot of the router's session state
type Status struct {
	URL          string    `json:"url"`
	Connected    bool      `json:"connected"`
	Processing   bool      `json:"processing"`
	ConnectionID string    `json:"connection_id"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	MaxRetries   int       `json:"max_retries"`
	RetryDelay   string    `json:"retry_delay"`
}

// New creates a router for the worker at addr ("host:port" or a ws:// URL)
func New(addr string, opts Options) *Router {
	opts = opts.withDefaults()

	url := addr
	if !strings.Contains(url, "://") {
		url = "ws://" + url
	}

	r := &Router{
		url:    url,
		opts:   opts,
		logger: opts.Logger,
	}

	r.logger.Info("router initialized",
		zap.String("url", r.url),
		zap.Duration("connect_timeout", opts.ConnectTimeout),
		zap.Duration("response_timeout", opts.ResponseTimeout),
		zap.Duration("activity_timeout", opts.ActivityTimeout),
		zap.Int("max_retries", opts.MaxRetries),
		zap.Duration("retry_delay", opts.RetryDelay),
	)

	return r
}

// Call sends a message to the worker and blocks until the terminal envelope
// arrives. When sink is non-nil it receives streamed chunks in arrival
// order, before Call returns.
//
// Connect failures and mid-call disconnects are retried up to MaxRetries;
// the aggregate failure names the last cause. Timeouts and worker errors are
// surfaced directly.
func (r *Router) Call(ctx context.Context, message string, sink func(chunk string)) (string, error) {
	r.flightMu.Lock()
	if r.closed {
		r.flightMu.Unlock()
		return "", ErrRouterClosed
	}
	if r.processing {
		r.flightMu.Unlock()
		return "", ErrCallInProgress
	}
	r.processing = true
	r.flightMu.Unlock()

	defer func() {
		r.flightMu.Lock()
		r.processing = false
		r.flightMu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		r.logger.Info("call attempt",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", r.opts.MaxRetries),
		)

		result, err := r.execute(ctx, message, sink)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return "", err
		}
		r.logger.Warn("call attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < r.opts.MaxRetries {
			select {
			case <-time.After(r.opts.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return "", &RetryExhaustedError{Attempts: r.opts.MaxRetries, LastErr: lastErr}
}

// execute runs one call attempt: dial, send, await, disconnect
func (r *Router) execute(ctx context.Context, message string, sink func(chunk string)) (string, error) {
	r.resetCallState()

	conn, err := dial(ctx, r.url, r.opts, r.logger)
	if err != nil {
		return "", err
	}
	defer func() {
		conn.close()
		r.setConnected(false)
	}()

	r.setConnected(true)

	callID := uuid.NewString()
	env := protocol.New(protocol.TypeMessage, callID, map[string]any{"content": message})
	if err := conn.send(env); err != nil {
		return "", err
	}
	r.touch()

	return r.await(ctx, conn, callID, sink)
}

// await drives the waiting/streaming half of the call state machine. Two
// independent clocks bound it: the total timer and the activity timer. A
// terminal envelope for the call id ends it; later envelopes are never
// processed because the attempt's connection is torn down on return.
func (r *Router) await(ctx context.Context, conn *connection, callID string, sink func(chunk string)) (string, error) {
	total := time.NewTimer(r.opts.ResponseTimeout)
	defer total.Stop()

	activity := time.NewTimer(r.opts.ActivityTimeout)
	defer activity.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-total.C:
			return "", &CallTimeoutError{Reason: TimeoutTotal, After: r.opts.ResponseTimeout}

		case <-activity.C:
			return "", &CallTimeoutError{Reason: TimeoutActivity, After: r.opts.ActivityTimeout}

		case env, ok := <-conn.events:
			if !ok {
				return "", ErrConnectionLost
			}

			// Any envelope counts as activity, not only heartbeats
			if !activity.Stop() {
				select {
				case <-activity.C:
				default:
				}
			}
			activity.Reset(r.opts.ActivityTimeout)
			r.touch()

			switch env.Type {
			case protocol.TypeConnect:
				r.setConnectionID(env.ID)

			case protocol.TypeStream:
				if env.ID != callID {
					r.logger.Warn("dropping stream for unknown call", zap.String("id", env.ID))
					continue
				}
				if sink != nil {
					if content := env.DataString("content"); content != "" {
						sink(content)
					}
				}

			case protocol.TypeComplete:
				if env.ID != callID {
					r.logger.Warn("dropping terminal for unknown call", zap.String("id", env.ID))
					continue
				}
				if errMsg := env.DataString("error"); errMsg != "" {
					return "", &WorkerError{Message: errMsg}
				}
				return env.DataString("result"), nil

			case protocol.TypeError:
				if env.ID != callID {
					r.logger.Warn("dropping terminal for unknown call", zap.String("id", env.ID))
					continue
				}
				errMsg := env.DataString("error")
				if errMsg == "" {
					errMsg = "unknown error"
				}
				return "", &WorkerError{Message: errMsg}

			case protocol.TypeHeartbeat, protocol.TypeDisconnect, protocol.TypeMessage:
				// Activity already recorded; nothing else to do client-side
			}
		}
	}
}

// Status returns a snapshot of the router's state
func (r *Router) Status() Status {
	r.flightMu.Lock()
	processing := r.processing
	r.flightMu.Unlock()

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	return Status{
		URL:          r.url,
		Connected:    r.connected,
		Processing:   processing,
		ConnectionID: r.connectionID,
		LastActivity: r.lastActivity,
		MessageCount: r.messageCount,
		MaxRetries:   r.opts.MaxRetries,
		RetryDelay:   r.opts.RetryDelay.String(),
	}
}

// Close marks the router closed. Calls in flight finish on their own; new
// calls fail with ErrRouterClosed.
func (r *Router) Close() {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()

	if !r.closed {
		r.closed = true
		r.logger.Info("router closed")
	}
}

// resetCallState clears per-call counters before a new attempt
func (r *Router) resetCallState() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.messageCount = 0
	r.lastActivity = time.Now()
}

// touch records envelope activity
func (r *Router) touch() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.lastActivity = time.Now()
	r.messageCount++
}

func (r *Router) setConnected(connected bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.connected = connected
}

func (r *Router) setConnectionID(id string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.connectionID = id
}
