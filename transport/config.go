package transport

import (
	"time"

	"go.uber.org/zap"

	"mini-rsocket/protocol"
)

// Config tunes a Connection. The zero value is usable; DefaultConfig gives the
// values the CLI starts from.
type Config struct {
	// MaxFrameSize bounds every inbound frame, reassembled fragments included.
	MaxFrameSize int
	// InitialCredit is the default credit window announced in Setup and used
	// when a stream does not ask for its own.
	InitialCredit uint32
	// KeepAlive is the interval between KeepAlive frames sent by the client;
	// 0 disables them.
	KeepAlive time.Duration
	// MaxLifetime closes the connection when nothing was received for this
	// long; 0 disables the check.
	MaxLifetime time.Duration
	// FragmentMTU splits outbound request and payload frames larger than this;
	// 0 disables fragmentation.
	FragmentMTU int
	// LowWaterDivisor sets the REQUEST_N low-water mark at window/divisor.
	LowWaterDivisor int
	// ClosedStreamCache is how many closed streams are remembered to classify
	// late frames.
	ClosedStreamCache int
	HandshakeTimeout  time.Duration
	ReadBufferSize    int
	// DataCodec is announced in Setup (see the codec package).
	DataCodec byte

	// Responder serves requests opened by the peer. nil rejects them.
	Responder Responder
	Logger    *zap.Logger
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		InitialCredit:     256,
		KeepAlive:         20 * time.Second,
		MaxLifetime:       90 * time.Second,
		LowWaterDivisor:   4,
		ClosedStreamCache: 1024,
		HandshakeTimeout:  5 * time.Second,
		ReadBufferSize:    32 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.InitialCredit == 0 {
		c.InitialCredit = d.InitialCredit
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = zap.L()
	}
	return c
}

func (c Config) setup() protocol.Setup {
	return protocol.Setup{
		Major:         protocol.MajorVersion,
		Minor:         protocol.MinorVersion,
		KeepAlive:     c.KeepAlive,
		MaxLifetime:   c.MaxLifetime,
		InitialCredit: c.InitialCredit,
		DataCodec:     c.DataCodec,
	}
}
