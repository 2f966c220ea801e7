// Package audio relays call audio from a capture process on the device to
// the dispatcher as base64 chunks.
package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"Relay/pkg/device"
	"Relay/pkg/types"
)

// Capture formats.
const (
	FormatPCM16 = "pcm16"
	FormatAMRNB = "amr_nb"
)

// ErrStartFailed wraps failures to launch the capture process.
var ErrStartFailed = errors.New("audio: capture start failed")

// Sink receives audio frames.
type Sink interface {
	Send(msg types.Message) error
}

// Starter launches the capture process. *device.Controller satisfies it.
type Starter interface {
	StartProcess(ctx context.Context, cmd string) (device.Process, error)
}

// Config describes the capture.
type Config struct {
	// Root captures raw PCM with tinycap under su; otherwise AMR-NB through
	// "cmd media record".
	Root      bool
	Rate      int
	Channels  int
	ChunkSize int
	// MaxChunksPerSecond drops chunks above the rate. Zero means unlimited.
	MaxChunksPerSecond float64
	// StopTimeout bounds the graceful exit before the process is killed.
	StopTimeout time.Duration
	// JoinTimeout bounds the wait for the reader goroutine.
	JoinTimeout time.Duration
	Logger      zerolog.Logger
}

// DefaultConfig returns the capture settings used in production.
func DefaultConfig() Config {
	return Config{
		Rate:        16000,
		Channels:    1,
		ChunkSize:   4096,
		StopTimeout: 2 * time.Second,
		JoinTimeout: 3 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

// Stats describes the current or last session.
type Stats struct {
	Running   bool      `json:"running"`
	Format    string    `json:"format"`
	Chunks    int64     `json:"chunks"`
	Bytes     int64     `json:"bytes"`
	Dropped   int64     `json:"dropped"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Forwarder owns at most one capture session at a time.
type Forwarder struct {
	mu      sync.Mutex
	cfg     Config
	starter Starter
	sink    Sink
	log     zerolog.Logger

	proc      device.Process
	cancel    context.CancelFunc
	done      chan struct{}
	limiter   *rate.Limiter
	startedAt time.Time

	running atomic.Bool
	chunks  atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
}

// New creates a stopped forwarder.
func New(starter Starter, sink Sink, cfg Config) *Forwarder {
	def := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	return &Forwarder{
		cfg:     cfg,
		starter: starter,
		sink:    sink,
		log:     cfg.Logger.With().Str("module", "audio").Logger(),
	}
}

// SetRoot selects the capture mode for the next Start.
func (f *Forwarder) SetRoot(root bool) {
	f.mu.Lock()
	f.cfg.Root = root
	f.mu.Unlock()
}

func (f *Forwarder) format() string {
	if f.cfg.Root {
		return FormatPCM16
	}
	return FormatAMRNB
}

func (f *Forwarder) command() string {
	if f.cfg.Root {
		return fmt.Sprintf(`su -c "tinycap /dev/stdout -r %d -b 16 -c %d"`, f.cfg.Rate, f.cfg.Channels)
	}
	return "cmd media record --audio-source=VOICE_CALL --output-format=amr_nb --output /dev/stdout"
}

// Running reports whether a capture session is streaming.
func (f *Forwarder) Running() bool { return f.running.Load() }

// Start launches the capture. It is a no-op while a session is running.
// The session outlives ctx; only Stop ends it.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running.Load() {
		return nil
	}
	if f.proc != nil {
		// previous session ended on its own
		f.stopLocked()
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc, err := f.starter.StartProcess(pctx, f.command())
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	f.proc = proc
	f.cancel = cancel
	f.done = make(chan struct{})
	f.startedAt = time.Now()
	f.chunks.Store(0)
	f.bytes.Store(0)
	f.dropped.Store(0)
	f.limiter = nil
	if f.cfg.MaxChunksPerSecond > 0 {
		burst := int(f.cfg.MaxChunksPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(f.cfg.MaxChunksPerSecond), burst)
	}
	f.running.Store(true)

	go f.read(pctx, proc, f.limiter, f.format(), f.done)

	f.log.Info().Str("format", f.format()).Int("rate", f.cfg.Rate).Int("channels", f.cfg.Channels).Msg("Audio capture started")
	return nil
}

func (f *Forwarder) read(ctx context.Context, proc device.Process, limiter *rate.Limiter, format string, done chan struct{}) {
	defer close(done)
	defer f.running.Store(false)

	buf := make([]byte, f.cfg.ChunkSize)
	out := proc.Stdout()
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := io.ReadFull(out, buf)
		if n > 0 {
			f.forward(buf[:n], limiter, format)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				f.log.Debug().Err(err).Msg("Audio reader stopped")
			}
			return
		}
	}
}

func (f *Forwarder) forward(chunk []byte, limiter *rate.Limiter, format string) {
	if limiter != nil && !limiter.Allow() {
		f.dropped.Add(1)
		return
	}
	msg := types.Message{
		"type":     types.TypeAudioChunk,
		"format":   format,
		"rate":     f.cfg.Rate,
		"channels": f.cfg.Channels,
		"data":     base64.StdEncoding.EncodeToString(chunk),
	}
	if err := f.sink.Send(msg); err != nil {
		f.dropped.Add(1)
		return
	}
	f.chunks.Add(1)
	f.bytes.Add(int64(len(chunk)))
}

// Stop ends the session: terminate, kill after StopTimeout, then wait for
// the reader at most JoinTimeout. Stopping a stopped forwarder is a no-op.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proc == nil {
		return nil
	}
	f.stopLocked()
	return nil
}

func (f *Forwarder) stopLocked() {
	proc, cancel, done := f.proc, f.cancel, f.done
	f.proc, f.cancel = nil, nil
	f.running.Store(false)

	exited := make(chan struct{})
	go func() {
		proc.Wait()
		close(exited)
	}()

	if err := proc.Terminate(); err != nil {
		f.log.Debug().Err(err).Msg("Terminate failed")
	}
	select {
	case <-exited:
	case <-time.After(f.cfg.StopTimeout):
		f.log.Warn().Dur("timeout", f.cfg.StopTimeout).Msg("Capture process did not exit, killing")
		proc.Kill()
	}
	cancel()

	select {
	case <-done:
	case <-time.After(f.cfg.JoinTimeout):
		f.log.Warn().Dur("timeout", f.cfg.JoinTimeout).Msg("Audio reader did not exit in time")
	}
	f.log.Info().Int64("chunks", f.chunks.Load()).Int64("dropped", f.dropped.Load()).Msg("Audio capture stopped")
}

// Stats returns counters for the current or last session.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Running:   f.running.Load(),
		Format:    f.format(),
		Chunks:    f.chunks.Load(),
		Bytes:     f.bytes.Load(),
		Dropped:   f.dropped.Load(),
		StartedAt: f.startedAt,
	}
}
