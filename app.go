package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"Relay/pkg/audio"
	"Relay/pkg/automation"
	"Relay/pkg/channel"
	"Relay/pkg/device"
	"Relay/pkg/poller"
	"Relay/pkg/types"
)

// ErrNoDeviceID is returned when neither the config nor the device supplies an id.
var ErrNoDeviceID = errors.New("no device id configured and the device serial is unavailable")

// Agent is the device session: one per process, owning the shared guard
// and every long running component.
type Agent struct {
	cfg      *Config
	deviceID string
	serial   string

	guard    *device.Guard
	ctrl     *device.Controller
	executor *automation.Executor
	audio    *audio.Forwarder
	poller   *poller.Poller
	channel  *channel.Channel
	router   *Router

	registrar *Registrar

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewAgent wires the components around exec. The device id comes from the
// config, falling back to the device serial.
func NewAgent(ctx context.Context, cfg *Config, exec device.Executor) (*Agent, error) {
	a := &Agent{cfg: cfg, guard: device.NewGuard()}

	ctrlCfg := device.DefaultControllerConfig()
	ctrlCfg.Logger = Logger
	a.ctrl = device.NewController(exec, a.guard, ctrlCfg)

	a.serial = a.ctrl.Serial(ctx)
	a.deviceID = strings.TrimSpace(cfg.Device.ID)
	if a.deviceID == "" {
		a.deviceID = a.serial
	}
	if a.deviceID == "" {
		return nil, ErrNoDeviceID
	}

	chCfg := channel.DefaultConfig()
	chCfg.URL = cfg.Channel.URL
	chCfg.DeviceID = a.deviceID
	chCfg.Connection = cfg.Channel.Connection
	chCfg.ReconnectDelay = cfg.Channel.ReconnectDelay
	chCfg.HeartbeatInterval = cfg.Channel.HeartbeatInterval
	chCfg.HeartbeatWarmup = cfg.Channel.HeartbeatWarmup
	chCfg.WarmupCycles = cfg.Channel.WarmupCycles
	chCfg.Hello = a.hello
	chCfg.Metadata = a.metadata
	chCfg.Logger = Logger
	a.channel = channel.New(chCfg)

	a.audio = audio.New(a.ctrl, a.channel, audio.Config{
		Root:               cfg.Audio.Root,
		Rate:               cfg.Audio.Rate,
		Channels:           cfg.Audio.Channels,
		ChunkSize:          cfg.Audio.ChunkSize,
		MaxChunksPerSecond: cfg.Audio.MaxChunksPerSecond,
		Logger:             Logger,
	})

	a.executor = automation.NewExecutor(a.ctrl, automation.Config{
		WhatsAppPackage: cfg.Automation.WhatsAppPackage,
		StepDelay:       cfg.Automation.StepDelay,
		LaunchDelay:     cfg.Automation.LaunchDelay,
		DialogWindow:    cfg.Automation.DialogWindow,
		USSDWindow:      cfg.Automation.USSDWindow,
		DefaultHold:     cfg.Automation.DefaultHold,
		MinCallDuration: cfg.Automation.MinCallDuration,
		CountryCode:     cfg.Automation.CountryCode,
		RecordAppCalls:  cfg.Automation.RecordAppCalls,
		Logger:          Logger,
	})
	a.executor.SetAudio(a.audio)

	if cfg.Poller.Enabled {
		a.poller = poller.New(poller.TermuxSMSSource{Shell: a.ctrl, Limit: cfg.Poller.Limit}, a.channel, poller.Config{
			Interval:    cfg.Poller.Interval,
			SkipBacklog: cfg.Poller.SkipBacklog,
			Logger:      Logger,
		})
	}

	a.router = NewRouter(a.executor, a.audio)
	a.channel.Handle(types.FeatureLocAndro, a.router.Handle)

	if cfg.Registration.URL != "" {
		a.registrar = NewRegistrar(cfg.Registration.URL, cfg.Registration.Timeout)
	}
	return a, nil
}

// DeviceID returns the id the dispatcher addresses this agent by.
func (a *Agent) DeviceID() string { return a.deviceID }

// Channel exposes the dispatcher connection.
func (a *Agent) Channel() *channel.Channel { return a.channel }

func (a *Agent) hello(ctx context.Context) interface{} {
	profile := a.ctrl.Profile(ctx, a.cfg.Device.Platform)
	if profile.Serial == "" {
		profile.Serial = a.serial
	}
	return profile
}

func (a *Agent) metadata() map[string]interface{} {
	stats := a.guard.Stats()
	return map[string]interface{}{
		"serial":   a.serial,
		"platform": a.cfg.Device.Platform,
		"audio":    a.audio.Running(),
		"guard": map[string]interface{}{
			"acquired":  stats.Acquired,
			"contended": stats.Contended,
		},
	}
}

// Run registers the device, then runs the poller and the channel until ctx
// is done. A refused registration is returned before anything starts.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent already running")
	}
	a.running = true
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	LogAgentState(StateStarting, map[string]interface{}{"device": a.deviceID})

	if a.registrar != nil {
		timer := StartOperation("register", "register_device")
		if err := a.registrar.Register(ctx, a.deviceID, a.ctrl.Profile(ctx, a.cfg.Device.Platform)); err != nil {
			timer.EndWithError(err)
			LogErrorWithContext("register", err, map[string]interface{}{"device": a.deviceID, "url": a.cfg.Registration.URL})
			return fmt.Errorf("registration: %w", err)
		}
		timer.End()
	}

	var wg sync.WaitGroup
	if a.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.poller.Run(ctx)
		}()
	}

	LogAgentState(StateReady, map[string]interface{}{"device": a.deviceID, "url": a.cfg.Channel.URL})
	err := a.channel.Run(ctx)
	cancel()

	LogAgentState(StateShuttingDown, nil)
	if stopErr := a.audio.Stop(); stopErr != nil {
		LogWarn("agent").Err(stopErr).Msg("Audio stop failed")
	}
	wg.Wait()
	LogAgentState(StateStopped, nil)
	return err
}

// Shutdown stops the poller and the channel, which ends Run.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.channel.Close()
}

// ApplyConfig applies the live-tunable subset of cfg.
func (a *Agent) ApplyConfig(cfg *Config) {
	if level, err := ParseLogLevel(cfg.Log.Level); err == nil {
		SetLogLevel(level)
	}
	a.channel.SetHeartbeatInterval(cfg.Channel.HeartbeatInterval)
	if a.poller != nil {
		a.poller.SetInterval(cfg.Poller.Interval)
	}
	a.executor.SetMinCallDuration(cfg.Automation.MinCallDuration)
	LogInfo("agent").
		Dur("heartbeat", cfg.Channel.HeartbeatInterval).
		Dur("poll", cfg.Poller.Interval).
		Dur("min_call", cfg.Automation.MinCallDuration).
		Str("level", cfg.Log.Level).
		Msg("Live settings applied")
}
