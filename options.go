package utcp

import (
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default tuning values, from spec.md §6.
const (
	DefaultMTU         = 1000
	DefaultUserTimeout = 60 * time.Second
	DefaultSndBufSize  = 4096
	DefaultMaxBufSize  = 131072
	MaxUnreliableSize  = 65536
)

// engineConfig holds parsed Engine construction options. The zero value
// is never used directly; New always starts from defaultEngineConfig.
type engineConfig struct {
	mtu             int
	userTimeout     time.Duration
	flushTimeout    time.Duration
	granularity     time.Duration
	logger          *slog.Logger
	retransmit      func(*Conn)
	captureWriter   io.Writer
	metricsRegistry prometheus.Registerer
	deterministicISS bool
	clock           func() time.Time
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		mtu:         DefaultMTU,
		userTimeout: DefaultUserTimeout,
		granularity: time.Millisecond,
		logger:      slog.Default(),
		clock:       time.Now,
	}
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

// WithMTU overrides the path MTU used to derive MSS (MTU - wire.HeaderLen).
func WithMTU(mtu int) Option {
	return func(c *engineConfig) { c.mtu = mtu }
}

// WithUserTimeout overrides how long a connection may go without ACK
// progress before it is forced closed with ErrTimedOut.
func WithUserTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.userTimeout = d }
}

// WithFlushTimeout sets how long a framed-unreliable connection waits
// before flushing a partially-filled final segment.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.flushTimeout = d }
}

// WithClockGranularity overrides the minimum RTO floor (RFC 6298's
// clock-granularity term), useful for hosts with a coarse or especially
// fine-grained Tick cadence.
func WithClockGranularity(d time.Duration) Option {
	return func(c *engineConfig) { c.granularity = d }
}

// WithLogger sets the structured logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithRetransmitObserver registers a callback invoked every time the
// engine retransmits a segment on a reliable connection.
func WithRetransmitObserver(fn func(*Conn)) Option {
	return func(c *engineConfig) { c.retransmit = fn }
}

// WithPacketCapture streams every datagram sent or received through a
// libpcap-formatted capture, for offline debugging with tools like
// Wireshark. The writer receives a DLT_RAW stream (no link header).
func WithPacketCapture(w io.Writer) Option {
	return func(c *engineConfig) { c.captureWriter = w }
}

// WithMetricsRegisterer registers optional Prometheus metrics
// (retransmits, duplicate ACKs, fast retransmits, per-state connection
// gauges, cwnd/srtt/rto gauges) against reg. An Engine built without this
// option pays no metrics overhead.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *engineConfig) { c.metricsRegistry = reg }
}

// WithDeterministicISS forces initial sequence numbers to 0 instead of
// randomizing them, for reproducible traces in tests. Off by default;
// never enable this outside test code.
func WithDeterministicISS() Option {
	return func(c *engineConfig) { c.deterministicISS = true }
}

// WithClock overrides the source of wall-clock time, for deterministic
// timer tests. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *engineConfig) { c.clock = clock }
}

// connConfig holds parsed per-connection options.
type connConfig struct {
	maxSndBuf uint32
	maxRcvBuf uint32
	flags     uint32
	noDelay   bool
	keepAlive bool
}

func defaultConnConfig() connConfig {
	return connConfig{
		maxSndBuf: DefaultMaxBufSize,
		maxRcvBuf: DefaultMaxBufSize,
	}
}

// ConnOption configures a Conn at creation time (active Connect or
// passive accept).
type ConnOption func(*connConfig)

// WithMaxSendBuffer overrides the send buffer ceiling (default 131072).
func WithMaxSendBuffer(n uint32) ConnOption {
	return func(c *connConfig) { c.maxSndBuf = n }
}

// WithMaxRecvBuffer overrides the receive buffer ceiling (default 131072).
func WithMaxRecvBuffer(n uint32) ConnOption {
	return func(c *connConfig) { c.maxRcvBuf = n }
}

// WithFlags sets the connection's traffic-mode flag bits (ORDERED,
// RELIABLE, FRAMED, DROP_LATE, NO_PARTIAL).
func WithFlags(flags uint32) ConnOption {
	return func(c *connConfig) { c.flags = flags }
}

// WithNoDelay sets the connection's nodelay flag. The engine never
// coalesces small writes, so the flag does not change sending; it can be
// read back with Conn.NoDelay.
func WithNoDelay(v bool) ConnOption {
	return func(c *connConfig) { c.noDelay = v }
}

// WithKeepAlive marks the connection for keepalive bookkeeping. The
// engine has no keepalive probe of its own; this is a flag the host can
// read back off Conn for its own use.
func WithKeepAlive(v bool) ConnOption {
	return func(c *connConfig) { c.keepAlive = v }
}
