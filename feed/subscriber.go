package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// liveNamespace is the Socket.IO namespace the backend publishes trading
	// data on.
	liveNamespace = "live"

	defaultHandshakeTimeout = 10 * time.Second
	defaultStaleAfter       = 30 * time.Second
	defaultReconnectBase    = 1 * time.Second
	defaultReconnectMax     = 30 * time.Second

	writeTimeout = 5 * time.Second
)

// ErrAlreadyRunning is returned by Start when the subscriber is running.
var ErrAlreadyRunning = errors.New("feed subscriber already running")

// TokenSource supplies the bearer token for the websocket handshake.
type TokenSource func() (string, bool)

// Config holds configuration for a Subscriber.
type Config struct {
	// URL is the websocket base, e.g. "ws://127.0.0.1:8000". The Socket.IO
	// path and query are appended by the subscriber.
	URL    string
	Token  TokenSource
	Logger *slog.Logger

	HandshakeTimeout time.Duration
	// StaleAfter is how long the connection may go without any inbound
	// frame before Status reports it stale.
	StaleAfter    time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxReconnects caps consecutive failed dials; zero means retry forever.
	MaxReconnects int
}

// Status describes the subscriber's connection health.
type Status struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
	Stale         bool      `json:"stale"`
}

// Subscriber maintains the websocket connection to the live feed, applying
// event payloads to the shared State. It reconnects with exponential backoff
// and can be stopped and started again, e.g. across logout/login.
type Subscriber struct {
	cfg   Config
	state *State

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	conn      *websocket.Conn
	connected bool
	lastMsg   time.Time
}

// NewSubscriber creates a subscriber feeding state. Call Start to connect.
func NewSubscriber(cfg Config, state *State) (*Subscriber, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: URL is required")
	}
	if cfg.Token == nil {
		return nil, errors.New("feed: token source is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("feed: logger is required")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Subscriber{cfg: cfg, state: state}, nil
}

// Start connects in the background. Returns ErrAlreadyRunning if a previous
// Start has not been followed by Stop.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop disconnects and waits for the background loop to exit. Stopping a
// stopped subscriber is a no-op.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if s.conn != nil {
		// Unblock the pending read.
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Status reports connection health. Stale means the connection is up but no
// frame (pings included) has arrived within the configured window.
func (s *Subscriber) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Connected: s.connected, LastMessageAt: s.lastMsg}
	if s.connected && !s.lastMsg.IsZero() && time.Since(s.lastMsg) > s.cfg.StaleAfter {
		st.Stale = true
	}
	return st
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.cfg.ReconnectBase
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.cfg.Logger.Warn("Live feed disconnected", "error", err, "retry_in", backoff)
		}

		attempts++
		if s.cfg.MaxReconnects > 0 && attempts >= s.cfg.MaxReconnects {
			s.cfg.Logger.Error("Live feed giving up after repeated failures", "attempts", attempts)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
}

// connectAndRead performs one full connection lifetime: dial, namespace
// handshake, then the read loop until the connection drops.
func (s *Subscriber) connectAndRead(ctx context.Context) error {
	token, ok := s.cfg.Token()
	if !ok {
		return errors.New("no token available")
	}

	endpoint := fmt.Sprintf("%s/socket.io/?EIO=4&transport=websocket&token=%s",
		s.cfg.URL, url.QueryEscape(token))

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	// Join the live namespace. The server answers with "40/live" before
	// events start flowing.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40/"+liveNamespace)); err != nil {
		conn.Close()
		return fmt.Errorf("namespace handshake: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.lastMsg = time.Now()
	s.mu.Unlock()
	s.cfg.Logger.Info("Live feed connected", "url", s.cfg.URL)

	err = s.readLoop(conn)

	s.mu.Lock()
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	conn.Close()
	return err
}

func (s *Subscriber) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		s.mu.Lock()
		s.lastMsg = time.Now()
		s.mu.Unlock()

		frame, err := ParseFrame(string(data))
		if err != nil {
			// Malformed frames are dropped; feed state keeps its last
			// good values.
			s.cfg.Logger.Debug("Dropping malformed feed frame", "error", err)
			continue
		}

		switch frame.Kind {
		case FramePing:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case FrameEvent:
			if frame.Namespace != liveNamespace {
				continue
			}
			s.state.Apply(frame.Payload)
		case FrameAck:
			s.cfg.Logger.Debug("Feed namespace joined", "namespace", frame.Namespace)
		case FrameOpen, FramePong:
			// Nothing to do.
		}
	}
}
