// Package channel defines the contract every conversation backend adapter implements.
package channel

import (
	"context"
	"errors"

	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
)

var (
	// ErrConnection 表示传输层无法建立或维持连接。
	ErrConnection = errors.New("channel connection failed")
	// ErrSend 表示出站消息投递失败。
	ErrSend = errors.New("channel send failed")
	// ErrHandoverInit 表示凭证接口拒绝或返回了无法解析的结果。
	ErrHandoverInit = errors.New("handover initialization failed")
)

// Channel is one real-time conversation backend (bot or human agent).
//
// Connect returns a stream of normalized events that is closed once the adapter
// has shut down. Send is fire-and-forget from the caller's point of view; the
// returned error is for logging only.
type Channel interface {
	Name() string
	Connect(ctx context.Context) (<-chan chat.Event, error)
	Send(ctx context.Context, text string, metadata map[string]any) error
	Disconnect(ctx context.Context) error
}

// State is an adapter's connection lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)
