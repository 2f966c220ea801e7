package device

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
)

const (
	adbKeyboardPackage = "com.android.adbkeyboard"
	adbKeyboardIME     = "com.android.adbkeyboard/.AdbIME"
)

// keyboardState caches whether ADBKeyboard is installed.
type keyboardState struct {
	mu        sync.Mutex
	checked   bool
	installed bool
}

// adbKeyboardInstalled must be called with the guard held.
func (c *Controller) adbKeyboardInstalled(ctx context.Context) bool {
	c.keyboard.mu.Lock()
	defer c.keyboard.mu.Unlock()
	if c.keyboard.checked {
		return c.keyboard.installed
	}
	out, err := c.exec.Shell(ctx, "pm list packages "+adbKeyboardPackage)
	if err != nil {
		return false
	}
	c.keyboard.checked = true
	c.keyboard.installed = strings.Contains(out, "package:"+adbKeyboardPackage)
	if !c.keyboard.installed {
		c.log.Warn().Msg("ADBKeyboard not installed, unicode input unavailable")
	}
	return c.keyboard.installed
}

// inputUnicode sends text through the ADBKeyboard base64 broadcast,
// switching the IME for the duration of the input only. The guard must be held.
func (c *Controller) inputUnicode(ctx context.Context, text string) error {
	if !c.adbKeyboardInstalled(ctx) {
		return fmt.Errorf("ADBKeyboard not ready: cannot type non-ASCII text")
	}

	previous, _ := c.exec.Shell(ctx, "settings get secure default_input_method")
	previous = strings.TrimSpace(previous)
	if previous != adbKeyboardIME {
		c.exec.Shell(ctx, "ime enable "+adbKeyboardIME)
		c.exec.Shell(ctx, "ime set "+adbKeyboardIME)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	out, err := c.exec.Shell(ctx, "am broadcast -a ADB_INPUT_B64 --es msg "+encoded)

	if previous != "" && previous != adbKeyboardIME {
		if _, rerr := c.exec.Shell(ctx, "ime set "+previous); rerr != nil {
			c.log.Debug().Err(rerr).Msg("Failed to restore previous IME")
		}
	}

	if err != nil {
		return fmt.Errorf("ADBKeyboard broadcast failed: %w", err)
	}
	if !strings.Contains(out, "result=0") && !strings.Contains(out, "result=-1") {
		c.log.Debug().Str("output", out).Msg("Unexpected broadcast result")
	}
	return nil
}

func containsNonASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return true
		}
	}
	return false
}

// escapeForInput escapes ASCII text for "input text".
func escapeForInput(text string) string {
	// input text uses %s for spaces
	result := strings.ReplaceAll(text, " ", "%s")

	shellSpecials := []string{
		"\\", "'", "\"", "`", "$",
		"(", ")", "{", "}", "[", "]",
		"&", "|", ";", "<", ">",
		"#", "!", "~", "*", "?",
	}
	for _, ch := range shellSpecials {
		result = strings.ReplaceAll(result, ch, "\\"+ch)
	}
	return result
}
