package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aescanero/workerlink/pkg/protocol"
)

// testServer is a scripted worker endpoint: handle is invoked for every
// message envelope received on a connection.
type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(conn *websocket.Conn, env protocol.Envelope)

	mu       sync.Mutex
	conns    int
	lastHdrs http.Header
}

func newTestServer(t *testing.T, handle func(conn *websocket.Conn, env protocol.Envelope)) *testServer {
	t.Helper()
	ts := &testServer{t: t, handle: handle}
	upgrader := websocket.Upgrader{}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns++
		ts.lastHdrs = r.Header.Clone()
		ts.mu.Unlock()
		defer func() { _ = conn.Close() }()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			if env.Type == protocol.TypeMessage && ts.handle != nil {
				ts.handle(conn, env)
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) addr() string {
	return strings.TrimPrefix(ts.srv.URL, "http://")
}

func (ts *testServer) connections() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conns
}

func (ts *testServer) headers() http.Header {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastHdrs
}

// reply writes an envelope back to the client
func reply(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Errorf("encode reply: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Logf("write reply: %v", err)
	}
}

// fastOptions keeps test calls snappy
func fastOptions() Options {
	return Options{
		ConnectTimeout:    2 * time.Second,
		ResponseTimeout:   5 * time.Second,
		ActivityTimeout:   5 * time.Second,
		HeartbeatInterval: time.Minute,
		MaxRetries:        1,
		RetryDelay:        10 * time.Millisecond,
	}
}

func TestCallPingPong(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		if got := env.DataString("content"); got != "ping" {
			t.Errorf("want ping, got %q", got)
		}
		reply(t, conn, protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": "pong"}))
	})

	r := New(ts.addr(), fastOptions())
	defer r.Close()

	result, err := r.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "pong" {
		t.Fatalf("want pong, got %q", result)
	}
}

func TestCallStreamsInOrder(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		for _, chunk := range []string{"a", "b", "c"} {
			reply(t, conn, protocol.New(protocol.TypeStream, env.ID, map[string]any{"content": chunk}))
		}
		reply(t, conn, protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": "done"}))
	})

	r := New(ts.addr(), fastOptions())
	defer r.Close()

	var chunks []string
	result, err := r.Call(context.Background(), "stream it", func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "done" {
		t.Fatalf("want done, got %q", result)
	}
	if strings.Join(chunks, "") != "abc" {
		t.Fatalf("want chunks a,b,c in order, got %v", chunks)
	}
}

func TestSingleFlight(t *testing.T) {
	received := make(chan struct{})
	release := make(chan struct{})
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		close(received)
		<-release
		reply(t, conn, protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": "slow"}))
	})

	r := New(ts.addr(), fastOptions())
	defer r.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), "first", nil)
		firstDone <- err
	}()

	// Wait until the first call is definitely in flight
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("first call never reached the server")
	}

	if _, err := r.Call(context.Background(), "second", nil); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("want ErrCallInProgress, got %v", err)
	}
	// The rejected call must never have reached the transport
	if got := ts.connections(); got != 1 {
		t.Fatalf("want 1 connection, got %d", got)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first call: %v", err)
	}
}

func TestConcurrentCallsExactlyOneWins(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		<-release
		reply(t, conn, protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": "ok"}))
	})

	r := New(ts.addr(), fastOptions())
	defer r.Close()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Call(context.Background(), "race", nil)
			results <- err
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrCallInProgress):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("want exactly one success and one rejection, got ok=%d rejected=%d", ok, rejected)
	}
}

func TestActivityTimeout(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		// Never reply: the call stalls
	})

	opts := fastOptions()
	opts.ActivityTimeout = 100 * time.Millisecond
	opts.ResponseTimeout = 10 * time.Second

	r := New(ts.addr(), opts)
	defer r.Close()

	_, err := r.Call(context.Background(), "stall", nil)
	var timeoutErr *CallTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("want *CallTimeoutError, got %v", err)
	}
	if timeoutErr.Reason != TimeoutActivity {
		t.Fatalf("want activity timeout, got %s", timeoutErr.Reason)
	}
}

func TestTotalTimeoutDistinctFromActivity(t *testing.T) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		// Keep the call alive with heartbeats but never complete it
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reply(t, conn, protocol.New(protocol.TypeHeartbeat, "hb", nil))
			case <-stop:
				return
			}
		}
	})

	opts := fastOptions()
	opts.ResponseTimeout = 400 * time.Millisecond
	opts.ActivityTimeout = 10 * time.Second

	r := New(ts.addr(), opts)
	defer r.Close()

	_, err := r.Call(context.Background(), "slow but alive", nil)
	var timeoutErr *CallTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("want *CallTimeoutError, got %v", err)
	}
	if timeoutErr.Reason != TimeoutTotal {
		t.Fatalf("want total timeout, got %s", timeoutErr.Reason)
	}
}

func TestConnectRetriesExhausted(t *testing.T) {
	opts := fastOptions()
	opts.ConnectTimeout = 200 * time.Millisecond
	opts.MaxRetries = 3
	opts.RetryDelay = 10 * time.Millisecond

	// Nothing listens here
	r := New("127.0.0.1:1", opts)
	defer r.Close()

	_, err := r.Call(context.Background(), "nobody home", nil)
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("want *RetryExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", exhausted.Attempts)
	}
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("aggregate should name the last connect cause, got %v", err)
	}
}

func TestConnectionLostRetriedThenSurfaced(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		// Kill the transport after the request arrives, before any reply
		_ = conn.Close()
	})

	opts := fastOptions()
	opts.MaxRetries = 2

	r := New(ts.addr(), opts)
	defer r.Close()

	_, err := r.Call(context.Background(), "doomed", nil)
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("want *RetryExhaustedError, got %v", err)
	}
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("aggregate should name connection lost, got %v", err)
	}
	if got := ts.connections(); got != 2 {
		t.Fatalf("want 2 attempts, got %d", got)
	}
}

func TestWorkerErrorNotRetried(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		reply(t, conn, protocol.New(protocol.TypeError, env.ID, map[string]any{"error": "boom"}))
	})

	opts := fastOptions()
	opts.MaxRetries = 3

	r := New(ts.addr(), opts)
	defer r.Close()

	_, err := r.Call(context.Background(), "explode", nil)
	var workerErr *WorkerError
	if !errors.As(err, &workerErr) {
		t.Fatalf("want *WorkerError, got %v", err)
	}
	if workerErr.Message != "boom" {
		t.Fatalf("want boom, got %q", workerErr.Message)
	}
	if got := ts.connections(); got != 1 {
		t.Fatalf("worker errors must not retry, got %d connections", got)
	}
}

func TestNoStreamProcessedAfterTerminal(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		reply(t, conn, protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": "early"}))
		reply(t, conn, protocol.New(protocol.TypeStream, env.ID, map[string]any{"content": "late"}))
	})

	r := New(ts.addr(), fastOptions())
	defer r.Close()

	var mu sync.Mutex
	var chunks []string
	result, err := r.Call(context.Background(), "finish fast", func(chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "early" {
		t.Fatalf("want early, got %q", result)
	}

	// Give the late stream envelope time to arrive anywhere
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 0 {
		t.Fatalf("no stream may be processed after the terminal envelope, got %v", chunks)
	}
}

func TestCredentialsTravelOnHandshake(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		reply(t, conn, protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": "ok"}))
	})

	opts := fastOptions()
	opts.APIKey = "key-123"
	opts.BearerToken = "tok-456"

	r := New(ts.addr(), opts)
	defer r.Close()

	if _, err := r.Call(context.Background(), "hi", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	hdrs := ts.headers()
	if got := hdrs.Get("x-api-key"); got != "key-123" {
		t.Fatalf("want api key header, got %q", got)
	}
	if got := hdrs.Get("Authorization"); got != "Bearer tok-456" {
		t.Fatalf("want bearer header, got %q", got)
	}
}

func TestCallAfterClose(t *testing.T) {
	r := New("127.0.0.1:1", fastOptions())
	r.Close()

	if _, err := r.Call(context.Background(), "hi", nil); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("want ErrRouterClosed, got %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		reply(t, conn, protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": "ok"}))
	})

	opts := fastOptions()
	opts.MaxRetries = 2
	r := New(ts.addr(), opts)
	defer r.Close()

	if _, err := r.Call(context.Background(), "hi", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	status := r.Status()
	if status.Processing {
		t.Fatalf("no call should be in flight")
	}
	if status.Connected {
		t.Fatalf("connection is torn down after each call")
	}
	if status.MessageCount == 0 {
		t.Fatalf("message count should reflect the last call")
	}
	if status.MaxRetries != 2 {
		t.Fatalf("want max retries 2, got %d", status.MaxRetries)
	}
}

func TestDecodeFailureIsDroppedNotFatal(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env protocol.Envelope) {
		// Garbage first, then a valid terminal: the call must still succeed
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"telemetry","id":"x","data":{},"timestamp":1}`))
		reply(t, conn, protocol.New(protocol.TypeComplete, env.ID, map[string]any{"result": "survived"}))
	})

	r := New(ts.addr(), fastOptions())
	defer r.Close()

	result, err := r.Call(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "survived" {
		t.Fatalf("want survived, got %q", result)
	}
}
