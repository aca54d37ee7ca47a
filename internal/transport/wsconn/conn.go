// Package wsconn wraps gorilla/websocket client connections with retrying dial,
// deadlines, keepalive pings and serialized writes.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrHandshakeRejected 表示服务端在握手阶段返回了非 101 响应，重试无意义。
var ErrHandshakeRejected = errors.New("websocket handshake rejected")

// Options 连接配置选项
type Options struct {
	HandshakeTimeout time.Duration // 握手超时时间
	ReadTimeout      time.Duration // 读取超时时间
	WriteTimeout     time.Duration // 写入超时时间
	PingInterval     time.Duration // Ping间隔
	MaxRetries       int           // 最大重试次数
	RetryDelay       time.Duration // 首次重试等待，之后线性递增
}

// DefaultOptions 默认连接选项
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 30 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	return o
}

// Conn is a client connection safe for one reader and many writers.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to url, retrying transient failures up to opts.MaxRetries times.
// A rejected handshake is returned immediately, wrapped with ErrHandshakeRejected.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	var lastErr error
	for i := 0; i < opts.MaxRetries; i++ {
		conn, err := dialOnce(ctx, url, header, opts)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if errors.Is(err, ErrHandshakeRejected) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i == opts.MaxRetries-1 {
			break
		}

		retryDelay := time.Duration(i+1) * opts.RetryDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts, last error: %w", opts.MaxRetries, lastErr)
}

func dialOnce(ctx context.Context, url string, header http.Header, opts Options) (*Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: status %d", ErrHandshakeRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &Conn{ws: ws, opts: opts, done: make(chan struct{})}
	ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})

	go c.pingLoop()
	return c, nil
}

// WriteJSON 串行写入一帧 JSON。
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(v)
}

// ReadJSON blocks for the next frame. Only one goroutine may read.
func (c *Conn) ReadJSON(v any) error {
	if err := c.ws.ReadJSON(v); err != nil {
		return err
	}
	c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	return nil
}

// Done is closed once the connection has been closed locally.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and releases the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// pingLoop 定期发送ping消息
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// IsRetryableError 判断断线或拨号失败后是否值得重新拨号。
// 握手被拒（凭证失效）和对端正常关闭都不再重试。
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrHandshakeRejected) {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway,
		websocket.CloseServiceRestart, websocket.CloseTryAgainLater) {
		return true
	}
	if websocket.IsUnexpectedCloseError(err) {
		return true
	}

	// 超时或网络层错误
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}
