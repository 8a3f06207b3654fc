package feed

import (
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/algotrade/feedmux/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNilCallback     = errors.New("nil data callback")
	ErrInvalidMode     = errors.New("invalid subscription mode")
	ErrEmptyInstrument = errors.New("symbol and exchange are required")
)

// ConnectionState is the single authoritative connection state, mutated
// only by the Manager.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StatePaused
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StatePaused:
		return "paused"
	}
	return "unknown"
}

// active reports whether the state is anywhere between dialing and
// authenticated; Connect is a no-op in these states.
func (s ConnectionState) active() bool {
	switch s {
	case StateConnecting, StateConnected, StateAuthenticating, StateAuthenticated:
		return true
	}
	return false
}

// StateChange is delivered to state listeners on every transition and on
// surfaced errors. Err is empty on clean transitions.
type StateChange struct {
	State    ConnectionState
	Err      string
	Fallback bool
}

// StateListener observes connection state transitions.
type StateListener func(StateChange)

// DataCallback receives merged snapshots. The snapshot is the caller's
// own copy; mutating it affects nobody else.
type DataCallback func(model.SymbolData)

// Unsubscribe releases one subscription. Safe to call more than once.
type Unsubscribe func()

// TimestampedMessage wraps raw frame bytes with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// Outbound wire frames (client -> gateway).

type authenticateFrame struct {
	Action   string `json:"action"`
	APIKey   string `json:"api_key"`
	ClientID string `json:"client_id,omitempty"`
}

type subscribeFrame struct {
	Action  string             `json:"action"`
	Symbols []model.Instrument `json:"symbols"`
	Mode    model.Mode         `json:"mode"`
}

type unsubscribeFrame struct {
	Action  string             `json:"action"`
	Symbols []model.Instrument `json:"symbols"`
}

// inboundFrame is the envelope of every gateway -> client frame.
type inboundFrame struct {
	Type     string          `json:"type"`
	Status   string          `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Exchange string          `json:"exchange,omitempty"`
	Mode     string          `json:"mode,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Inbound frame types.
const (
	frameTypeAuth       = "auth"
	frameTypeMarketData = "market_data"
	frameTypeSubscribe  = "subscribe"
	frameTypeError      = "error"
)

const authStatusSuccess = "success"

// ClientConfig configures a WebSocket transport.
type ClientConfig struct {
	URL              string        // Gateway WebSocket URL
	HandshakeTimeout time.Duration // Dial handshake deadline
	PingInterval     time.Duration // Keepalive ping cadence
	PingTimeout      time.Duration // Max silence before the connection is stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// Config configures the Manager.
type Config struct {
	// WSURL, when set, skips the config-endpoint lookup at connect time.
	WSURL string

	// InstanceID is sent with the authenticate frame.
	InstanceID string

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// FailureThreshold is how many consecutive failed connection
	// attempts (transport errors and connect-time failures alike)
	// switch the manager to fallback polling.
	FailureThreshold int

	// PollInterval is the fallback polling cadence.
	PollInterval time.Duration

	// PollFailureStreak is how many consecutive failed poll ticks are
	// tolerated silently before one error is surfaced to state
	// listeners. Polling continues either way.
	PollFailureStreak int

	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int

	// ControlRate/ControlBurst rate-limit subscribe and unsubscribe
	// frames, which gateways throttle per connection.
	ControlRate  float64
	ControlBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		FailureThreshold:     3,
		PollInterval:         5 * time.Second,
		PollFailureStreak:    10,
		PingInterval:         15 * time.Second,
		PingTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
		BufferSize:           1000,
		ControlRate:          5,
		ControlBurst:         10,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollFailureStreak == 0 {
		c.PollFailureStreak = d.PollFailureStreak
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
	if c.ControlRate == 0 {
		c.ControlRate = d.ControlRate
	}
	if c.ControlBurst == 0 {
		c.ControlBurst = d.ControlBurst
	}
}

// ManagerStats is a point-in-time view of the manager's internals.
type ManagerStats struct {
	State            ConnectionState
	FallbackMode     bool
	Entries          int   // distinct (exchange, symbol, mode) keys
	Subscriptions    int   // total outstanding subscribe() calls
	SymbolsCached    int   // distinct (exchange, symbol) cache slots
	MessagesReceived int64 // frames received over the socket
	PollTicks        int64 // successful fallback polls
}
