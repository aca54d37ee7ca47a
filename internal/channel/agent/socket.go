package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/transport/wsconn"
)

// Topics on the participant connection.
const (
	TopicSubscribe  = "aws/subscribe"
	TopicChat       = "aws/chat"
	TopicSend       = "aws/chat/send"
	TopicDisconnect = "aws/chat/disconnect"

	// BearerHeader carries the participant token on the dial request.
	BearerHeader = "X-Amz-Bearer"
)

var errSocketClosed = errors.New("agent socket not connected")

// socketFrame is the envelope of every participant connection message.
type socketFrame struct {
	Topic   string          `json:"topic"`
	Content json.RawMessage `json:"content,omitempty"`
}

// SocketConfig locates the participant connection service.
type SocketConfig struct {
	URL    string
	Region string
	Conn   wsconn.Options

	// 断线重连的退避区间，默认 1s 到 30s
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Socket is the WebSocket Transport for one participant connection. A broken
// connection is reported, then re-dialed and re-subscribed with backoff; the
// subscription ack reports it established again. The stream ends on Close, on
// a normal closure by the platform, or once the participant token is rejected.
type Socket struct {
	cfg SocketConfig

	mu     sync.Mutex
	conn   *wsconn.Conn
	target string
	header http.Header
	cancel context.CancelFunc
	closed bool
}

// NewSocket creates an unconnected participant socket.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Socket{cfg: cfg}
}

func (s *Socket) dialURL(creds chat.AgentCredentials) (string, error) {
	raw := strings.TrimSpace(s.cfg.URL)
	if raw == "" {
		return "", errors.New("agent websocket url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid agent websocket url: %w", err)
	}
	q := u.Query()
	q.Set("contactId", creds.ContactID)
	q.Set("participantId", creds.ParticipantID)
	if s.cfg.Region != "" {
		q.Set("region", s.cfg.Region)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialAndSubscribe opens the connection and asks for the chat topic.
func (s *Socket) dialAndSubscribe(ctx context.Context, target string, header http.Header) (*wsconn.Conn, error) {
	conn, err := wsconn.Dial(ctx, target, header, s.cfg.Conn)
	if err != nil {
		return nil, err
	}
	subscribe, _ := json.Marshal(map[string]any{"topics": []string{TopicChat}})
	if err := conn.WriteJSON(socketFrame{Topic: TopicSubscribe, Content: subscribe}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

func (s *Socket) Connect(ctx context.Context, creds chat.AgentCredentials) (<-chan TransportEvent, error) {
	target, err := s.dialURL(creds)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set(BearerHeader, creds.ParticipantToken)
	conn, err := s.dialAndSubscribe(ctx, target, header)
	if err != nil {
		return nil, err
	}

	lifetime, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.Close()
		return nil, errSocketClosed
	}
	s.conn = conn
	s.target = target
	s.header = header
	s.cancel = cancel
	s.mu.Unlock()

	events := make(chan TransportEvent, 32)
	go s.readLoop(lifetime, conn, events)
	return events, nil
}

func (s *Socket) SendMessage(_ context.Context, contentType, content string) error {
	body, err := json.Marshal(map[string]string{"contentType": contentType, "content": content})
	if err != nil {
		return err
	}
	return s.write(socketFrame{Topic: TopicSend, Content: body})
}

func (s *Socket) DisconnectParticipant(context.Context) error {
	return s.write(socketFrame{Topic: TopicDisconnect, Content: json.RawMessage(`{}`)})
}

func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Socket) write(frame socketFrame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errSocketClosed
	}
	return conn.WriteJSON(frame)
}

func (s *Socket) readLoop(ctx context.Context, conn *wsconn.Conn, events chan<- TransportEvent) {
	defer close(events)

	emit := func(ev TransportEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		err := s.readFrames(conn, emit)
		if err == nil || ctx.Err() != nil {
			return
		}

		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()

		log.Printf("[agent] participant connection broken: %v", err)
		if !emit(TransportEvent{Kind: TransportBroken, Err: err}) {
			return
		}
		if !wsconn.IsRetryableError(err) {
			return
		}

		conn = s.redial(ctx)
		if conn == nil {
			return
		}
	}
}

// readFrames consumes one connection until it fails. A nil error means the
// consumer went away.
func (s *Socket) readFrames(conn *wsconn.Conn, emit func(TransportEvent) bool) error {
	for {
		var frame socketFrame
		if err := conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				log.Printf("[agent] skipping undecodable frame: %v", err)
				continue
			}
			return err
		}

		switch frame.Topic {
		case TopicSubscribe:
			var ack struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(frame.Content, &ack); err != nil || ack.Status != "success" {
				log.Printf("[agent] subscription rejected: %s", string(frame.Content))
				continue
			}
			if !emit(TransportEvent{Kind: TransportEstablished}) {
				return nil
			}
		case TopicChat:
			msg, err := decodeChatContent(frame.Content)
			if err != nil {
				log.Printf("[agent] skipping malformed chat frame: %v", err)
				continue
			}
			if !emit(TransportEvent{Kind: TransportMessage, Message: msg}) {
				return nil
			}
		}
	}
}

// redial reconnects with exponential backoff until it succeeds, the socket is
// closed, or the failure is not worth retrying.
func (s *Socket) redial(ctx context.Context) *wsconn.Conn {
	backoff := s.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		s.mu.Lock()
		target, header := s.target, s.header
		s.mu.Unlock()

		conn, err := s.dialAndSubscribe(ctx, target, header)
		if err == nil {
			s.mu.Lock()
			if ctx.Err() != nil {
				s.mu.Unlock()
				conn.Close()
				return nil
			}
			s.conn = conn
			s.mu.Unlock()
			log.Printf("[agent] participant connection re-dialed")
			return conn
		}

		if !wsconn.IsRetryableError(err) {
			log.Printf("[agent] giving up reconnect: %v", err)
			return nil
		}
		log.Printf("[agent] reconnect failed: %v", err)
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// decodeChatContent accepts the event as a JSON string (the wire format) or an object.
func decodeChatContent(content json.RawMessage) (ParticipantMessage, error) {
	var inner string
	if err := json.Unmarshal(content, &inner); err == nil {
		content = json.RawMessage(inner)
	}
	var msg ParticipantMessage
	if err := json.Unmarshal(content, &msg); err != nil {
		return ParticipantMessage{}, err
	}
	return msg, nil
}
