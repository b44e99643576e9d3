package connection

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrGaveUp          = errors.New("reconnection abandoned after max attempts")
	ErrDisconnected    = errors.New("session disconnected")
	ErrStopped         = errors.New("session stopped")
	ErrNotStarted      = errors.New("session not started")
)

// WebSocket close codes used by the session.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// ConnectionState is the session's connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// CredentialProvider supplies the bearer token for each connection attempt.
// An empty token means the URL carries no token parameter.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// Notifier receives user-facing notifications.
type Notifier interface {
	Notify(message string, severity Severity)
}

// InboundHandler receives every inbound frame in arrival order.
type InboundHandler interface {
	HandleMessage(data []byte, receivedAt time.Time)
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Subscription is a registered channel subscription.
type Subscription struct {
	ID      string         `json:"id"`
	Channel string         `json:"channel"`
	Params  map[string]any `json:"params,omitempty"`
}

// OutboundMessage is a typed message for the server. It is framed as
// {"type":Type,"data":Payload}.
type OutboundMessage struct {
	Type     string
	Payload  any
	Priority bool
}

// symbolAction is the standalone symbol subscribe/unsubscribe frame.
type symbolAction struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// envelope is the typed outbound frame.
type envelope struct {
	Type  string `json:"type"`
	Data  any    `json:"data"`
	Batch bool   `json:"batch,omitempty"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Full WebSocket URL including client id and token
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// SessionConfig configures the Connection Session.
type SessionConfig struct {
	Host         string // ws:// or wss:// base URL
	PathTemplate string // e.g. "/ws/{client_id}"

	Client ClientConfig // URL is filled in per attempt

	KeepAliveInterval    time.Duration // Application-level ping interval
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	BatchSize       int           // Max messages taken per drain iteration
	BatchInterval   time.Duration // Minimum spacing between drained batches
	SymbolChunkSize int           // Max symbols per replayed subscribe frame
	CommandBuffer   int           // Session command channel size
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PathTemplate:         "/ws/{client_id}",
		Client:               DefaultClientConfig(),
		KeepAliveInterval:    30 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		BatchSize:            10,
		BatchInterval:        10 * time.Millisecond,
		SymbolChunkSize:      50,
		CommandBuffer:        256,
	}
}

// SessionStats is a point-in-time view of the session.
type SessionStats struct {
	State         ConnectionState
	ClientID      string
	Attempts      int
	QueueDepth    int
	Symbols       int
	Subscriptions int
	Connects      int64
	GiveUps       int64
	SendFailures  int64
}
