package config

import "time"

// Config is the top-level configuration for the feedmux tools.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Feed     FeedConfig     `yaml:"feed"`
	Database DBConfig       `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	Watch    WatchConfig    `yaml:"watch"`
}

// InstanceConfig identifies this client instance.
type InstanceConfig struct {
	// ID is sent with the authenticate frame so the gateway can tell
	// client instances apart. Defaults to a random UUID.
	ID string `yaml:"id"`
}

// APIConfig configures the platform REST API used for bootstrap
// (gateway config, feed tokens) and fallback quote polling.
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// FeedConfig configures the shared feed connection manager.
type FeedConfig struct {
	// WSURL overrides the gateway URL from the config endpoint. Empty
	// means resolve it at connect time.
	WSURL string `yaml:"ws_url"`

	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	FailureThreshold     int           `yaml:"failure_threshold"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	HiddenPauseDelay time.Duration `yaml:"hidden_pause_delay"`

	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`

	// ControlRate limits subscribe/unsubscribe frames per second; most
	// gateways throttle control messages per connection.
	ControlRate  float64 `yaml:"control_rate"`
	ControlBurst int     `yaml:"control_burst"`
}

// DBConfig holds Postgres connection settings for the snapshot recorder.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig configures snapshot batching.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// WatchConfig lists the symbols the CLIs subscribe to.
type WatchConfig struct {
	Symbols []WatchSymbol `yaml:"symbols"`
}

// WatchSymbol is one configured subscription.
type WatchSymbol struct {
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`
	Mode     string `yaml:"mode"`
}
