package automation

import (
	"context"
	"fmt"
	"strings"

	"Relay/pkg/locator"
)

// OpenApp launches the main activity of pkg.
func (e *Executor) OpenApp(ctx context.Context, pkg string) Result {
	fs := newFlowState("open_app", e.now)
	start := e.now()
	if err := e.dev.LaunchApp(ctx, pkg); err != nil {
		fs.record(PhaseAct, "launch", start, false, 0, err.Error())
		return fs.result(OutcomeFailed, err.Error(), nil)
	}
	fs.record(PhaseAct, "launch", start, true, 0, pkg)
	return fs.result(OutcomeSuccess, "", map[string]interface{}{"package": pkg})
}

// SendSMS sends a text message with termux-sms-send. sim is zero based.
func (e *Executor) SendSMS(ctx context.Context, to, text string, sim int) Result {
	fs := newFlowState("sms", e.now)
	number := NormalizeNumber(to, e.cfg.CountryCode)
	if number == "" {
		return fs.result(OutcomeFailed, "recipient is required", nil)
	}

	cmd := "termux-sms-send -n " + number
	if sim > 0 {
		cmd += fmt.Sprintf(" -s %d", sim)
	}
	cmd += " " + shellQuote(text)

	start := e.now()
	out, err := e.dev.Shell(ctx, cmd)
	if err != nil {
		fs.record(PhaseAct, "send_sms", start, false, 0, err.Error())
		return fs.result(OutcomeFailed, "sms send failed", map[string]interface{}{"to": number})
	}
	fs.record(PhaseAct, "send_sms", start, true, 0, strings.TrimSpace(out))
	e.log.Info().Str("to", number).Int("sim", sim+1).Msg("SMS sent")
	return fs.result(OutcomeSuccess, "", map[string]interface{}{"to": number, "sim": sim})
}

// Shell runs a raw command and returns its output.
func (e *Executor) Shell(ctx context.Context, cmd string) Result {
	fs := newFlowState("shell", e.now)
	if strings.TrimSpace(cmd) == "" {
		return fs.result(OutcomeFailed, "cmd is required", nil)
	}
	start := e.now()
	out, err := e.dev.Shell(ctx, cmd)
	if err != nil {
		fs.record(PhaseAct, "shell", start, false, 0, err.Error())
		return fs.result(OutcomeFailed, err.Error(), map[string]interface{}{"out": out})
	}
	fs.record(PhaseAct, "shell", start, true, 0, "")
	return fs.result(OutcomeSuccess, "", map[string]interface{}{"out": out})
}

// Screenshot captures the screen as base64 PNG.
func (e *Executor) Screenshot(ctx context.Context) Result {
	fs := newFlowState("screenshot", e.now)
	start := e.now()
	img, err := e.dev.Screenshot(ctx)
	if err != nil {
		fs.record(PhaseAct, "screencap", start, false, 0, err.Error())
		return fs.result(OutcomeFailed, "screenshot failed", nil)
	}
	fs.record(PhaseAct, "screencap", start, true, 0, "")
	return fs.result(OutcomeSuccess, "", map[string]interface{}{"image": img, "format": "png"})
}

// Tap taps the first element matched by the attribute queries, tried in order.
func (e *Executor) Tap(ctx context.Context, queries []string) Result {
	fs := newFlowState("tap", e.now)
	q := locator.ParseQueries(queries)
	if len(q) == 0 {
		return fs.result(OutcomeFailed, "locators are required", nil)
	}
	if !e.tap(ctx, fs, PhaseAct, "tap", q) {
		return fs.result(OutcomeNotFound, "element not found", nil)
	}
	last := fs.Steps[len(fs.Steps)-1]
	return fs.result(OutcomeSuccess, "", map[string]interface{}{"point": last.Detail, "level": last.Level})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
