package session

import "time"

// Config holds the client session settings. Zero values are filled in
// by normalize so callers only set what they care about.
type Config struct {
	// BrokerURL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	BrokerURL string `mapstructure:"broker_url"`
	// APIBaseURL is the request/response endpoint used for room
	// resolution and the catch-up fetch, e.g. http://localhost:8080.
	APIBaseURL string `mapstructure:"api_base_url"`
	// Token authenticates the hello handshake.
	Token string `mapstructure:"token"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`

	// OutboundQueueSize bounds the publish FIFO held while reconnecting.
	OutboundQueueSize int `mapstructure:"outbound_queue_size"`
	// InboundQueueSize bounds the frame queue between the read loop and
	// the dispatch loop.
	InboundQueueSize int `mapstructure:"inbound_queue_size"`
	// DedupBufferSize bounds the per-room out-of-order buffer.
	DedupBufferSize int `mapstructure:"dedup_buffer_size"`

	MinBackoff      time.Duration `mapstructure:"min_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	StabilityWindow time.Duration `mapstructure:"stability_window"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

func (c *Config) normalize() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 64
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = 256
	}
	if c.DedupBufferSize <= 0 {
		c.DedupBufferSize = 32
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 5 * time.Minute
	}
}
