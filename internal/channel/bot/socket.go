package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/handover-chat/backend/internal/transport/wsconn"
)

var errNotConnected = errors.New("bot socket not connected")

// SocketOptions tunes the reconnecting socket.
type SocketOptions struct {
	Conn       wsconn.Options
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultSocketOptions 默认的重连退避配置
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		Conn:       wsconn.DefaultOptions(),
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// Socket is the WebSocket Transport. After the first successful dial it
// re-dials with exponential backoff whenever the connection drops, reporting
// each drop and recovery as synthetic disconnect/connect frames. A normal
// closure or a rejected handshake ends the frame stream instead.
type Socket struct {
	opts SocketOptions

	mu     sync.Mutex
	conn   *wsconn.Conn
	url    string
	cancel context.CancelFunc
}

// NewSocket creates an unconnected socket.
func NewSocket(opts SocketOptions) *Socket {
	d := DefaultSocketOptions()
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = d.MinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = d.MaxBackoff
	}
	return &Socket{opts: opts}
}

// BuildURL appends the connect query to the endpoint, switching http(s) to ws(s).
func BuildURL(params ConnectParams) (string, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(params.EndpointURL), "/")
	if endpoint == "" {
		return "", errors.New("bot endpoint url is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid bot endpoint url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	q.Set("URLToken", params.URLToken)
	q.Set("userId", params.UserID)
	q.Set("sessionId", params.SessionID)
	q.Set("channel", params.Channel)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) Connect(ctx context.Context, params ConnectParams) (<-chan Frame, error) {
	target, err := BuildURL(params)
	if err != nil {
		return nil, err
	}

	conn, err := wsconn.Dial(ctx, target, nil, s.opts.Conn)
	if err != nil {
		return nil, err
	}

	lifetime, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.url = target
	s.cancel = cancel
	s.mu.Unlock()

	frames := make(chan Frame, 64)
	go s.readLoop(lifetime, conn, frames)
	return frames, nil
}

func (s *Socket) Emit(_ context.Context, frame Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteJSON(frame)
}

func (s *Socket) Close() error {
	// cancel under mu so an in-flight redial cannot install a new conn afterwards
	s.mu.Lock()
	conn, cancel := s.conn, s.cancel
	s.conn = nil
	if cancel != nil {
		cancel()
	}
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Socket) readLoop(ctx context.Context, conn *wsconn.Conn, frames chan<- Frame) {
	defer close(frames)

	deliver := func(f Frame) bool {
		select {
		case frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !deliver(Frame{Event: FrameConnect}) {
		return
	}

	for {
		var frame Frame
		err := conn.ReadJSON(&frame)
		if err == nil {
			if !deliver(frame) {
				return
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}
		conn.Close()
		if !wsconn.IsRetryableError(err) {
			log.Printf("[bot] connection closed, not reconnecting: %v", err)
			deliver(Frame{Event: FrameDisconnect})
			return
		}
		log.Printf("[bot] connection dropped: %v", err)
		if !deliver(Frame{Event: FrameDisconnect}) {
			return
		}

		conn = s.redial(ctx)
		if conn == nil {
			return
		}
		if !deliver(Frame{Event: FrameConnect}) {
			conn.Close()
			return
		}
	}
}

func (s *Socket) redial(ctx context.Context) *wsconn.Conn {
	backoff := s.opts.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		s.mu.Lock()
		target := s.url
		s.mu.Unlock()

		conn, err := wsconn.Dial(ctx, target, nil, s.opts.Conn)
		if err == nil {
			s.mu.Lock()
			if ctx.Err() != nil {
				s.mu.Unlock()
				conn.Close()
				return nil
			}
			s.conn = conn
			s.mu.Unlock()
			log.Printf("[bot] reconnected")
			return conn
		}

		if !wsconn.IsRetryableError(err) {
			log.Printf("[bot] giving up reconnect: %v", err)
			return nil
		}
		log.Printf("[bot] reconnect failed: %v", err)
		backoff *= 2
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
	}
}
