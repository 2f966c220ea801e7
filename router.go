package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Relay/pkg/automation"
	"Relay/pkg/types"
)

// AudioSession is the capture control the router drives. *audio.Forwarder
// satisfies it.
type AudioSession interface {
	Start(ctx context.Context) error
	Stop() error
	SetRoot(root bool)
	Running() bool
}

// Router maps an item's platform to an automation flow and turns the
// flow result into an ack.
type Router struct {
	exec  *automation.Executor
	audio AudioSession
}

// NewRouter creates a router. audio may be nil, in which case audio
// requests fail.
func NewRouter(exec *automation.Executor, audio AudioSession) *Router {
	return &Router{exec: exec, audio: audio}
}

// Handle executes item. It is registered as the locAndro feature handler.
func (r *Router) Handle(ctx context.Context, item types.Item) types.Ack {
	timer := StartOperation("router", strings.ToLower(item.Platform)).AddDetail("id", item.ID)
	ack := r.route(ctx, item)
	timer.AddDetail("status", ack.Status).End()
	return ack
}

func (r *Router) route(ctx context.Context, item types.Item) types.Ack {
	hold := time.Duration(item.Delay * float64(time.Second))

	switch item.Platform {
	case types.PlatformSMS:
		return ackFor(item, r.exec.SendSMS(ctx, item.To, item.Text, item.Sim))
	case types.PlatformWA:
		return ackFor(item, r.exec.SendMessage(ctx, item.To, item.Text))
	case types.PlatformWACall:
		video := strings.EqualFold(item.Type, "video")
		return ackFor(item, r.exec.AppCall(ctx, item.To, video, hold))
	case types.PlatformCall:
		return ackFor(item, r.exec.CellularCall(ctx, item.To, item.Sim, hold))
	case types.PlatformUSSD:
		return ackFor(item, r.exec.SendUSSD(ctx, firstNonEmpty(item.Code, item.Text, item.To), item.Sim))
	case types.PlatformShell:
		return ackFor(item, r.exec.Shell(ctx, firstNonEmpty(item.Cmd, item.Text)))
	case types.PlatformScreenshot:
		return ackFor(item, r.exec.Screenshot(ctx))
	case types.PlatformOpenApp:
		pkg := firstNonEmpty(item.Package, item.Text)
		if pkg == "" {
			return types.Failed(item, types.CodeActionFailed, "package is required", nil)
		}
		return ackFor(item, r.exec.OpenApp(ctx, pkg))
	case types.PlatformCallStatus:
		return ackFor(item, r.exec.CallStatus(ctx))
	case types.PlatformEndCall:
		return ackFor(item, r.exec.EndCall(ctx))
	case types.PlatformMute:
		return ackFor(item, r.exec.ToggleMute(ctx))
	case types.PlatformTap:
		return ackFor(item, r.exec.Tap(ctx, item.Locators))
	case types.PlatformAudioStart:
		return r.audioStart(ctx, item)
	case types.PlatformAudioStop:
		return r.audioStop(item)
	}
	return types.Failed(item, types.CodeUnknownPlatform, fmt.Sprintf("unknown platform %q", item.Platform), nil)
}

func (r *Router) audioStart(ctx context.Context, item types.Item) types.Ack {
	if r.audio == nil {
		return types.Failed(item, types.CodeActionFailed, "audio capture unavailable", nil)
	}
	switch strings.ToLower(item.Permission) {
	case "root":
		r.audio.SetRoot(true)
	case "user", "noroot":
		r.audio.SetRoot(false)
	}
	if err := r.audio.Start(ctx); err != nil {
		return types.Failed(item, types.CodeActionFailed, err.Error(), nil)
	}
	return types.Succeeded(item, map[string]interface{}{"running": r.audio.Running()})
}

func (r *Router) audioStop(item types.Item) types.Ack {
	if r.audio == nil {
		return types.Failed(item, types.CodeActionFailed, "audio capture unavailable", nil)
	}
	if err := r.audio.Stop(); err != nil {
		return types.Failed(item, types.CodeActionFailed, err.Error(), nil)
	}
	return types.Succeeded(item, map[string]interface{}{"running": false})
}

// ackFor converts a flow result into the item's ack.
func ackFor(item types.Item, res automation.Result) types.Ack {
	payload := map[string]interface{}{
		"flow":       res.Flow,
		"outcome":    res.Outcome,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}
	for k, v := range res.Output {
		payload[k] = v
	}
	if res.Fallback != "" {
		payload["fallback"] = res.Fallback
	}
	if len(res.Steps) > 0 {
		payload["steps"] = res.Steps
	}

	if res.OK() {
		return types.Succeeded(item, payload)
	}

	code := types.CodeActionFailed
	if res.Outcome != automation.OutcomeFailed {
		code = string(res.Outcome)
	}
	reason := res.Detail
	if reason == "" {
		reason = string(res.Outcome)
	}
	return types.Failed(item, code, reason, payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
