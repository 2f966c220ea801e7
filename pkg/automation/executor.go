// Package automation runs the multi-step UI flows (messages, calls, USSD)
// on top of a device controller.
//
// Every step captures a fresh snapshot, locates an element through a
// fallback chain, acts on it and waits a fixed delay. Flow failures are
// reported as a Result, never as an error.
package automation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"Relay/pkg/device"
	"Relay/pkg/locator"
)

// Device is the subset of *device.Controller the flows need.
type Device interface {
	Snapshot(ctx context.Context) (*locator.Snapshot, error)
	Tap(ctx context.Context, p locator.Point) error
	KeyEvent(ctx context.Context, code int) error
	InputText(ctx context.Context, text string) error
	TypeHuman(ctx context.Context, text string) error
	Shell(ctx context.Context, cmd string) (string, error)
	StartActivity(ctx context.Context, action, uri, pkg string) error
	LaunchApp(ctx context.Context, pkg string) error
	Screenshot(ctx context.Context) (string, error)
}

// AudioControl starts and stops call audio capture.
type AudioControl interface {
	Start(ctx context.Context) error
	Stop() error
}

// Config tunes the flows.
type Config struct {
	// WhatsAppPackage is the target app, "com.whatsapp.w4b" for Business.
	WhatsAppPackage string
	// StepDelay is the pause after every act step.
	StepDelay time.Duration
	// LaunchDelay is the pause after firing an intent.
	LaunchDelay time.Duration
	// DialogWindow and DialogPoll bound the wait for transient dialogs.
	DialogWindow time.Duration
	DialogPoll   time.Duration
	// USSDWindow bounds the wait for a USSD response.
	USSDWindow time.Duration
	// DefaultHold is used when a call request carries no delay.
	DefaultHold time.Duration
	// MinCallDuration triggers the second end action.
	MinCallDuration time.Duration
	// CountryCode is prepended to local numbers, without "+".
	CountryCode string
	// RecordAppCalls starts audio capture while a WhatsApp call is held.
	RecordAppCalls bool
	Logger         zerolog.Logger
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		WhatsAppPackage: "com.whatsapp.w4b",
		StepDelay:       time.Second,
		LaunchDelay:     2 * time.Second,
		DialogWindow:    3 * time.Second,
		DialogPoll:      300 * time.Millisecond,
		USSDWindow:      15 * time.Second,
		DefaultHold:     10 * time.Second,
		MinCallDuration: 10 * time.Second,
		CountryCode:     "62",
		Logger:          zerolog.Nop(),
	}
}

// Executor runs flows against one device. Flows are not safe to run
// concurrently with each other; the channel feeds them one at a time.
type Executor struct {
	dev   Device
	cfg   Config
	log   zerolog.Logger
	audio AudioControl
	// minCall mirrors cfg.MinCallDuration and may change while flows run.
	minCall atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. Zero config values take the defaults.
func NewExecutor(dev Device, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.WhatsAppPackage == "" {
		cfg.WhatsAppPackage = def.WhatsAppPackage
	}
	if cfg.DialogPoll <= 0 {
		cfg.DialogPoll = def.DialogPoll
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = def.CountryCode
	}
	if cfg.MinCallDuration <= 0 {
		cfg.MinCallDuration = def.MinCallDuration
	}
	e := &Executor{
		dev:   dev,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("module", "automation").Logger(),
		now:   time.Now,
		sleep: device.Sleep,
	}
	e.minCall.Store(int64(cfg.MinCallDuration))
	return e
}

// SetAudio attaches call audio capture.
func (e *Executor) SetAudio(a AudioControl) { e.audio = a }

// SetClock replaces time and delays, for tests.
func (e *Executor) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	if now != nil {
		e.now = now
	}
	if sleep != nil {
		e.sleep = sleep
	}
}

// SetMinCallDuration changes the second-end threshold at runtime.
func (e *Executor) SetMinCallDuration(d time.Duration) {
	if d > 0 {
		e.minCall.Store(int64(d))
	}
}

func (e *Executor) minCallDuration() time.Duration { return time.Duration(e.minCall.Load()) }

// snapshot captures the screen; any failure is a miss.
func (e *Executor) snapshot(ctx context.Context) (*locator.Snapshot, bool) {
	s, err := e.dev.Snapshot(ctx)
	if err != nil {
		e.log.Debug().Err(err).Msg("Snapshot unavailable")
		return nil, false
	}
	return s, true
}

// locate resolves q against a fresh snapshot.
func (e *Executor) locate(ctx context.Context, q locator.Query) (locator.Match, bool) {
	s, ok := e.snapshot(ctx)
	if !ok {
		return locator.Match{}, false
	}
	return q.Find(s)
}

// tap locates q on a fresh snapshot, taps it and waits the step delay.
func (e *Executor) tap(ctx context.Context, fs *FlowState, phase Phase, name string, q locator.Query) bool {
	start := e.now()
	m, ok := e.locate(ctx, q)
	if !ok {
		fs.record(phase, name, start, false, 0, "element not found")
		e.log.Debug().Str("flow", fs.Flow).Str("step", name).Msg("Locate failed")
		return false
	}
	if m.Level > 0 {
		fs.fallback(name + ":" + m.Matcher)
	}
	if err := e.dev.Tap(ctx, m.Point); err != nil {
		fs.record(phase, name, start, false, m.Level, err.Error())
		return false
	}
	fs.record(phase, name, start, true, m.Level, m.Point.String())
	e.wait(ctx, e.cfg.StepDelay)
	return true
}

// waitFor polls fresh snapshots until q matches or the window closes.
func (e *Executor) waitFor(ctx context.Context, q locator.Query, window time.Duration) (locator.Match, *locator.Snapshot, bool) {
	deadline := e.now().Add(window)
	for {
		if s, ok := e.snapshot(ctx); ok {
			if m, ok := q.Find(s); ok {
				return m, s, true
			}
		}
		if ctx.Err() != nil || !e.now().Before(deadline) {
			return locator.Match{}, nil, false
		}
		if err := e.sleep(ctx, e.cfg.DialogPoll); err != nil {
			return locator.Match{}, nil, false
		}
	}
}

func (e *Executor) wait(ctx context.Context, d time.Duration) {
	e.sleep(ctx, d)
}

func (e *Executor) holdFor(delaySeconds float64) time.Duration {
	if delaySeconds <= 0 {
		return e.cfg.DefaultHold
	}
	return time.Duration(delaySeconds * float64(time.Second))
}
