// Relay is a device automation agent. It keeps a websocket connection to a
// dispatcher, executes the requests addressed to its device (SMS, WhatsApp
// messages and calls, cellular calls, USSD, shell, screenshots) and streams
// call audio and received SMS back.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"Relay/pkg/device"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// flagOverrides holds command line values that win over the file and the
// environment. They are re-applied on every reload.
type flagOverrides struct {
	flags *pflag.FlagSet

	configPath        string
	deviceID          string
	url               string
	heartbeatInterval time.Duration
	logLevel          string
	logFile           string
	executor          string
	serial            string
	showVersion       bool
}

func newFlagOverrides() *flagOverrides {
	o := &flagOverrides{flags: pflag.NewFlagSet("relay", pflag.ContinueOnError)}
	f := o.flags
	f.StringVarP(&o.configPath, "config", "c", "", "path to the YAML config file (default: $RELAY_CONFIG)")
	f.StringVar(&o.deviceID, "device-id", "", "device id the dispatcher addresses this agent by (default: device serial)")
	f.StringVar(&o.url, "url", "", "dispatcher websocket URL (default: $BRIDGE_WS)")
	f.DurationVar(&o.heartbeatInterval, "heartbeat-interval", 0, "heartbeat interval, e.g. 30m")
	f.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&o.logFile, "log-file", "", "also write JSON logs to this file")
	f.StringVar(&o.executor, "executor", "", `"local" to run commands on this device, "adb" to drive it over adb`)
	f.StringVar(&o.serial, "serial", "", "adb serial when using the adb executor")
	f.BoolVar(&o.showVersion, "version", false, "print the version and exit")
	return o
}

func (o *flagOverrides) apply(cfg *Config) {
	if o.flags.Changed("device-id") {
		cfg.Device.ID = o.deviceID
	}
	if o.flags.Changed("url") {
		cfg.Channel.URL = o.url
	}
	if o.flags.Changed("heartbeat-interval") {
		cfg.Channel.HeartbeatInterval = o.heartbeatInterval
	}
	if o.flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if o.flags.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if o.flags.Changed("executor") {
		cfg.Device.Executor = o.executor
	}
	if o.flags.Changed("serial") {
		cfg.Device.Serial = o.serial
	}
}

// load builds the effective config: defaults, file, environment, flags.
func (o *flagOverrides) load(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	opts := newFlagOverrides()
	if err := opts.flags.Parse(args); err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Println("relay", version)
		return nil
	}

	path := opts.configPath
	if path == "" {
		path = ConfigPathFromEnv()
	}
	cfg, err := opts.load(path)
	if err != nil {
		return err
	}

	if err := InitLogger(logConfigFor(cfg)); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer CloseLogger()

	exec, err := newExecutor(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := NewAgent(ctx, cfg, exec)
	if err != nil {
		return err
	}
	LogInfo("main").Str("version", version).Str("device", agent.DeviceID()).Str("executor", cfg.Device.Executor).Str("log_file", GetLogFilePath()).Msg("Relay starting")

	if path != "" {
		watcher := NewConfigWatcher(path, opts.load, agent.ApplyConfig)
		if err := watcher.Start(); err != nil {
			LogWarn("main").Err(err).Msg("Config hot reload disabled")
		} else {
			defer watcher.Stop()
		}
	}

	return agent.Run(ctx)
}

func logConfigFor(cfg *Config) LogConfig {
	lc := DefaultLogConfig()
	if cfg.Log.File != "" {
		lc = PersistentLogConfig(cfg.Log.File)
	}
	lc.Level, _ = ParseLogLevel(cfg.Log.Level)
	lc.Console = cfg.Log.Console
	return lc
}

func newExecutor(cfg *Config) (device.Executor, error) {
	switch cfg.Device.Executor {
	case "adb":
		e, err := device.NewAdbExecutor(cfg.Device.AdbPath, cfg.Device.Serial)
		if err != nil {
			return nil, err
		}
		if cfg.Device.CommandTimeout > 0 {
			e.Timeout = cfg.Device.CommandTimeout
		}
		return e, nil
	default:
		e := device.NewLocalExecutor()
		if cfg.Device.CommandTimeout > 0 {
			e.Timeout = cfg.Device.CommandTimeout
		}
		return e, nil
	}
}
