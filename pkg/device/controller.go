package device

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"Relay/pkg/locator"
)

// Android key codes used by the automation flows.
const (
	KeycodeHome    = 3
	KeycodeBack    = 4
	KeycodeCall    = 5
	KeycodeEndCall = 6
	KeycodeTab     = 61
	KeycodeSpace   = 62
	KeycodeEnter   = 66
	KeycodeMute    = 91
)

// ErrNoSnapshot is returned when uiautomator produced no usable hierarchy.
var ErrNoSnapshot = errors.New("device: no ui snapshot")

// ControllerConfig tunes a Controller.
type ControllerConfig struct {
	// DumpPath is where uiautomator writes the hierarchy on the device.
	DumpPath string
	// DumpRetries is the number of dump attempts per snapshot.
	DumpRetries int
	// ScreenshotPath is the temporary screencap file on the device.
	ScreenshotPath string
	// TypingMin and TypingMax bound the delay between typed characters.
	TypingMin time.Duration
	TypingMax time.Duration
	Logger    zerolog.Logger
}

// DefaultControllerConfig returns the settings used in production.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		DumpPath:       "/sdcard/window_dump.xml",
		DumpRetries:    3,
		ScreenshotPath: "/sdcard/relay_screenshot.png",
		TypingMin:      80 * time.Millisecond,
		TypingMax:      160 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

// Controller performs device operations through an Executor. Every method
// acquires the Guard for exactly one operation.
type Controller struct {
	exec  Executor
	guard *Guard
	cfg   ControllerConfig
	log   zerolog.Logger

	keyboard keyboardState

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController wires an executor to a guard. A nil guard gets a private one.
func NewController(exec Executor, guard *Guard, cfg ControllerConfig) *Controller {
	def := DefaultControllerConfig()
	if cfg.DumpPath == "" {
		cfg.DumpPath = def.DumpPath
	}
	if cfg.DumpRetries <= 0 {
		cfg.DumpRetries = def.DumpRetries
	}
	if cfg.ScreenshotPath == "" {
		cfg.ScreenshotPath = def.ScreenshotPath
	}
	if cfg.TypingMax < cfg.TypingMin {
		cfg.TypingMax = cfg.TypingMin
	}
	if guard == nil {
		guard = NewGuard()
	}
	return &Controller{
		exec:  exec,
		guard: guard,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("module", "device").Logger(),
		sleep: Sleep,
	}
}

// Guard returns the guard shared by this controller.
func (c *Controller) Guard() *Guard { return c.guard }

// SetSleep replaces the delay function, mainly for tests.
func (c *Controller) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		c.sleep = fn
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shell runs a raw shell command.
func (c *Controller) Shell(ctx context.Context, cmd string) (string, error) {
	var out string
	err := c.guard.Do(ctx, func() error {
		var err error
		out, err = c.exec.Shell(ctx, cmd)
		return err
	})
	return out, err
}

// Snapshot captures the current screen. Dump and read happen in one command
// under one guard hold; a failed attempt kills stale uiautomator processes
// before retrying.
func (c *Controller) Snapshot(ctx context.Context) (*locator.Snapshot, error) {
	cmd := fmt.Sprintf("uiautomator dump %s && cat %s", c.cfg.DumpPath, c.cfg.DumpPath)
	var lastErr error
	for i := 0; i < c.cfg.DumpRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var raw string
		err := c.guard.Do(ctx, func() error {
			if i > 0 {
				c.exec.Shell(ctx, "pkill uiautomator")
			}
			var err error
			raw, err = c.exec.Shell(ctx, cmd)
			return err
		})
		if err == nil {
			if s, ok := locator.Parse(raw); ok {
				return s, nil
			}
			err = ErrNoSnapshot
		}
		lastErr = err
		c.log.Debug().Int("retry", i+1).Int("maxRetries", c.cfg.DumpRetries).Err(err).Msg("UI dump retry")
	}
	return nil, fmt.Errorf("failed to dump UI after %d attempts: %w", c.cfg.DumpRetries, lastErr)
}

// Tap taps a screen point.
func (c *Controller) Tap(ctx context.Context, p locator.Point) error {
	_, err := c.Shell(ctx, fmt.Sprintf("input tap %d %d", p.X, p.Y))
	return err
}

// KeyEvent sends a single key code.
func (c *Controller) KeyEvent(ctx context.Context, code int) error {
	_, err := c.Shell(ctx, fmt.Sprintf("input keyevent %d", code))
	return err
}

// StartActivity fires an intent, e.g. a VIEW on a tel: or https: URI.
func (c *Controller) StartActivity(ctx context.Context, action, uri, pkg string) error {
	cmd := fmt.Sprintf("am start -a %s -d %s", action, shellQuote(uri))
	if pkg != "" {
		cmd += " -p " + pkg
	}
	out, err := c.Shell(ctx, cmd)
	if err != nil {
		return err
	}
	if strings.Contains(out, "Error:") {
		return fmt.Errorf("am start: %s", out)
	}
	return nil
}

// LaunchApp starts the launcher activity of pkg.
func (c *Controller) LaunchApp(ctx context.Context, pkg string) error {
	if strings.TrimSpace(pkg) == "" {
		return errors.New("package name is required")
	}
	out, err := c.Shell(ctx, fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", pkg))
	if err != nil {
		return err
	}
	if strings.Contains(out, "No activities found") || strings.Contains(out, "aborted") {
		return fmt.Errorf("launch %s: %s", pkg, out)
	}
	return nil
}

// InputText types text in a single operation. ASCII goes through
// "input text"; anything else through the ADBKeyboard broadcast.
func (c *Controller) InputText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return c.guard.Do(ctx, func() error {
		if containsNonASCII(text) {
			return c.inputUnicode(ctx, text)
		}
		_, err := c.exec.Shell(ctx, "input text "+escapeForInput(text))
		return err
	})
}

// TypeHuman types text one character at a time with a random pause between
// characters. Spaces and newlines are sent as key events. The guard is
// released between characters.
func (c *Controller) TypeHuman(ctx context.Context, text string) error {
	for _, r := range text {
		var err error
		switch r {
		case ' ':
			err = c.KeyEvent(ctx, KeycodeSpace)
		case '\n':
			err = c.KeyEvent(ctx, KeycodeEnter)
		case '\t':
			err = c.KeyEvent(ctx, KeycodeTab)
		case '\r':
			continue
		default:
			err = c.InputText(ctx, string(r))
		}
		if err != nil {
			return fmt.Errorf("type %q: %w", r, err)
		}
		if err := c.sleep(ctx, c.typingDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) typingDelay() time.Duration {
	span := c.cfg.TypingMax - c.cfg.TypingMin
	if span <= 0 {
		return c.cfg.TypingMin
	}
	return c.cfg.TypingMin + time.Duration(rand.Int64N(int64(span)+1))
}

// Screenshot returns a base64 encoded PNG of the screen.
func (c *Controller) Screenshot(ctx context.Context) (string, error) {
	path := c.cfg.ScreenshotPath
	var out string
	err := c.guard.Do(ctx, func() error {
		var err error
		out, err = c.exec.Shell(ctx, fmt.Sprintf("screencap -p %s && base64 %s && rm -f %s", path, path, path))
		return err
	})
	if err != nil {
		return "", err
	}
	encoded := strings.Join(strings.Fields(out), "")
	if encoded == "" {
		return "", ErrEmptyOutput
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		return "", fmt.Errorf("screenshot output is not base64: %w", err)
	}
	return encoded, nil
}

// Prop reads a system property, returning "" on failure.
func (c *Controller) Prop(ctx context.Context, name string) string {
	out, err := c.Shell(ctx, "getprop "+name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// StartProcess launches a long-running command. The guard is held only
// while the process is spawned.
func (c *Controller) StartProcess(ctx context.Context, cmd string) (Process, error) {
	var p Process
	err := c.guard.Do(ctx, func() error {
		var err error
		p, err = c.exec.Start(ctx, cmd)
		return err
	})
	return p, err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
