// Package channel keeps the websocket control connection to the dispatcher
// alive, answers every targeted request with exactly one ack and sends the
// periodic heartbeat.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"Relay/pkg/cache"
	"Relay/pkg/types"
)

// ErrNotConnected is returned by Send while the connection is down. The
// message is dropped, not queued.
var ErrNotConnected = errors.New("channel: not connected")

// State of the connection state machine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler executes one item and reports its outcome.
type Handler func(ctx context.Context, item types.Item) types.Ack

// Config for a Channel.
type Config struct {
	URL      string
	DeviceID string
	// Connection is the transport tag items must carry, e.g. TERMUX.
	// Items without a tag are accepted.
	Connection string

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatWarmup is used instead of HeartbeatInterval for the first
	// WarmupCycles beats.
	HeartbeatWarmup  time.Duration
	WarmupCycles     int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// InboxSize bounds the frames read ahead of the dispatch worker.
	InboxSize int
	// Remember is how many processed request ids are kept for duplicate detection.
	Remember int

	// Hello returns the identity payload sent as "info" on every connect.
	Hello func(ctx context.Context) interface{}
	// Metadata is merged into every heartbeat.
	Metadata func() map[string]interface{}

	Logger zerolog.Logger
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Connection:        "TERMUX",
		ReconnectDelay:    5 * time.Second,
		HeartbeatInterval: 30 * time.Minute,
		HeartbeatWarmup:   30 * time.Second,
		WarmupCycles:      3,
		HandshakeTimeout:  15 * time.Second,
		WriteTimeout:      10 * time.Second,
		InboxSize:         64,
		Remember:          1000,
		Logger:            zerolog.Nop(),
	}
}

// Channel is the dispatcher connection. Create it with New and drive it with Run.
type Channel struct {
	cfg    Config
	log    zerolog.Logger
	dialer *websocket.Dialer

	hmu      sync.RWMutex
	handlers map[string]Handler

	state      atomic.Int32
	ready      atomic.Bool
	reconnects atomic.Int64
	connects   atomic.Int64
	beats      atomic.Int64
	interval   atomic.Int64

	// wmu serialises writes; gorilla connections allow one concurrent writer.
	wmu  sync.Mutex
	conn *websocket.Conn

	processed *cache.Dedup
	inbox     chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a disconnected channel.
func New(cfg Config) *Channel {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatWarmup <= 0 {
		cfg.HeartbeatWarmup = def.HeartbeatWarmup
	}
	if cfg.WarmupCycles < 0 {
		cfg.WarmupCycles = 0
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.Remember <= 0 {
		cfg.Remember = def.Remember
	}

	c := &Channel{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("module", "channel").Str("device", cfg.DeviceID).Logger(),
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		handlers:  make(map[string]Handler),
		processed: cache.New(cache.Config{Max: cfg.Remember * 2, Keep: cfg.Remember}),
		inbox:     make(chan []byte, cfg.InboxSize),
		closed:    make(chan struct{}),
	}
	c.interval.Store(int64(cfg.HeartbeatInterval))
	return c
}

// Handle registers h for envelopes carrying feature.
func (c *Channel) Handle(feature string, h Handler) {
	c.hmu.Lock()
	c.handlers[feature] = h
	c.hmu.Unlock()
}

func (c *Channel) handler(feature string) Handler {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.handlers[feature]
}

// State returns the current connection state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Ready reports whether sends are currently attempted.
func (c *Channel) Ready() bool { return c.ready.Load() && c.State() == Connected }

// Reconnects returns the failed attempts since the last successful connect.
func (c *Channel) Reconnects() int64 { return c.reconnects.Load() }

// Connects returns the number of successful connects.
func (c *Channel) Connects() int64 { return c.connects.Load() }

// SetHeartbeatInterval changes the steady-state heartbeat interval.
func (c *Channel) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		c.interval.Store(int64(d))
	}
}

// HeartbeatInterval returns the steady-state heartbeat interval.
func (c *Channel) HeartbeatInterval() time.Duration { return time.Duration(c.interval.Load()) }

// ========================================
// Connection lifecycle
// ========================================

// Run connects and keeps reconnecting until ctx is done or Close is called.
// It also runs the dispatch worker and the heartbeat.
func (c *Channel) Run(ctx context.Context) error {
	if c.cfg.URL == "" {
		return errors.New("channel: url is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()

	for ctx.Err() == nil {
		err := c.serve(ctx)
		c.disconnect()
		if ctx.Err() != nil || c.isClosed() {
			break
		}
		n := c.reconnects.Add(1)
		c.log.Warn().Err(err).Int64("attempt", n).Dur("delay", c.cfg.ReconnectDelay).Msg("Connection lost, reconnecting")

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	wg.Wait()
	c.log.Info().Msg("Channel stopped")
	return nil
}

// serve runs one connection until it fails.
func (c *Channel) serve(ctx context.Context) error {
	c.state.Store(int32(Connecting))
	c.log.Debug().Str("url", c.cfg.URL).Msg("Connecting")

	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(dctx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.wmu.Lock()
	c.conn = conn
	c.wmu.Unlock()
	c.state.Store(int32(Connected))
	c.ready.Store(true)
	c.reconnects.Store(0)
	c.connects.Add(1)
	c.log.Info().Msg("Connected to dispatcher")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.sendHello(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		select {
		case c.inbox <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) disconnect() {
	c.ready.Store(false)
	c.state.Store(int32(Disconnected))
	c.wmu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.wmu.Unlock()
}

func (c *Channel) sendHello(ctx context.Context) {
	msg := types.Message{
		"type":       types.TypeHello,
		"id":         uuid.NewString(),
		"connection": c.cfg.Connection,
	}
	if c.cfg.Hello != nil {
		msg["info"] = c.cfg.Hello(ctx)
	}
	if err := c.Send(msg); err != nil {
		c.log.Warn().Err(err).Msg("Hello not sent")
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close stops Run and closes the connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ready.Store(false)
		c.wmu.Lock()
		defer c.wmu.Unlock()
		if c.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			c.conn.Close()
		}
	})
	return nil
}

// ========================================
// Outbound
// ========================================

// Send writes msg with the device id attached. It never blocks on a
// disconnected channel: the message is dropped and ErrNotConnected returned.
// A failed write marks the channel not ready until the next connect.
func (c *Channel) Send(msg types.Message) error {
	out := make(types.Message, len(msg)+1)
	for k, v := range msg {
		out[k] = v
	}
	if _, ok := out["device"]; !ok {
		out["device"] = c.cfg.DeviceID
	}

	if !c.Ready() {
		c.log.Debug().Interface("type", out["type"]).Msg("Not connected, dropping message")
		return ErrNotConnected
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.ready.Store(false)
		c.log.Warn().Err(err).Msg("Write failed, marking channel not ready")
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
