package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"Relay/pkg/audio"
	"Relay/pkg/automation"
	"Relay/pkg/device"
	"Relay/pkg/device/devicetest"
	"Relay/pkg/types"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

type frameSink struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (s *frameSink) Send(msg types.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func newTestRouter(exec *devicetest.Executor) (*Router, *audio.Forwarder) {
	ctrl := device.NewController(exec, device.NewGuard(), device.ControllerConfig{DumpRetries: 1})
	ctrl.SetSleep(func(context.Context, time.Duration) error { return nil })

	fwd := audio.New(ctrl, &frameSink{}, audio.Config{StopTimeout: 50 * time.Millisecond})
	ae := automation.NewExecutor(ctrl, automation.DefaultConfig())
	clk := &stepClock{t: time.Unix(1700000000, 0)}
	ae.SetClock(clk.now, clk.sleep)
	ae.SetAudio(fwd)
	return NewRouter(ae, fwd), fwd
}

const launcherScreen = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">` +
	`<node index="0" text="" class="android.widget.FrameLayout" package="com.android.launcher3" clickable="false" bounds="[0,0][1080,2400]">` +
	`<node index="0" text="Clock" class="android.widget.TextView" package="com.android.launcher3" clickable="true" bounds="[200,2100][400,2300]" />` +
	`</node></hierarchy>`

func TestRouterSMS(t *testing.T) {
	exec := devicetest.NewExecutor()
	r, _ := newTestRouter(exec)

	ack := r.Handle(context.Background(), types.Item{ID: "1", Platform: types.PlatformSMS, To: "08123", Text: "hi"})
	if ack.Status != types.StatusSuccess || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}
	if exec.Count("termux-sms-send -n +628123 'hi'") != 1 {
		t.Errorf("calls = %v", exec.Calls())
	}
	payload := ack.Payload.(map[string]interface{})
	if payload["flow"] != "sms" || payload["to"] != "+628123" {
		t.Errorf("payload = %v", payload)
	}
}

func TestRouterFailures(t *testing.T) {
	tests := []struct {
		name     string
		item     types.Item
		setup    func(*devicetest.Executor)
		wantCode string
	}{
		{
			name:     "unknown platform",
			item:     types.Item{ID: "a", Platform: "FAX"},
			wantCode: types.CodeUnknownPlatform,
		},
		{
			name:     "open app without package",
			item:     types.Item{ID: "b", Platform: types.PlatformOpenApp},
			wantCode: types.CodeActionFailed,
		},
		{
			name:     "end call without call screen",
			item:     types.Item{ID: "c", Platform: types.PlatformEndCall},
			setup:    func(e *devicetest.Executor) { e.Dumps(launcherScreen) },
			wantCode: string(automation.OutcomeNotFound),
		},
		{
			name:     "shell error",
			item:     types.Item{ID: "d", Platform: types.PlatformShell, Cmd: "reboot"},
			setup:    func(e *devicetest.Executor) { e.Fail("reboot", errors.New("permission denied")) },
			wantCode: types.CodeActionFailed,
		},
		{
			name:     "sms without recipient",
			item:     types.Item{ID: "e", Platform: types.PlatformSMS, Text: "hi", Retry: 2},
			wantCode: types.CodeActionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := devicetest.NewExecutor()
			if tt.setup != nil {
				tt.setup(exec)
			}
			r, _ := newTestRouter(exec)
			ack := r.Handle(context.Background(), tt.item)
			if ack.Status != types.StatusFailed || ack.Code != tt.wantCode {
				t.Errorf("ack = %+v, want code %s", ack, tt.wantCode)
			}
			if ack.Retry != tt.item.Retry+1 {
				t.Errorf("retry = %d, want %d", ack.Retry, tt.item.Retry+1)
			}
			if ack.ID != tt.item.ID {
				t.Errorf("id = %q", ack.ID)
			}
		})
	}
}

func TestRouterFieldFallbacks(t *testing.T) {
	exec := devicetest.NewExecutor().On("id -u", "0\n")
	r, _ := newTestRouter(exec)

	ack := r.Handle(context.Background(), types.Item{ID: "s", Platform: types.PlatformShell, Text: "id -u"})
	if ack.Status != types.StatusSuccess {
		t.Fatalf("shell ack = %+v", ack)
	}
	if out := ack.Payload.(map[string]interface{})["out"]; out != "0\n" {
		t.Errorf("out = %q", out)
	}

	ack = r.Handle(context.Background(), types.Item{ID: "o", Platform: types.PlatformOpenApp, Text: "com.whatsapp.w4b"})
	if ack.Status != types.StatusSuccess {
		t.Fatalf("open app ack = %+v", ack)
	}
	found := false
	for _, c := range exec.Calls() {
		if strings.Contains(c, "com.whatsapp.w4b") {
			found = true
		}
	}
	if !found {
		t.Errorf("package not launched, calls %v", exec.Calls())
	}
}

func TestRouterAudio(t *testing.T) {
	proc := devicetest.NewProcess()
	exec := devicetest.NewExecutor().Processes(proc)
	r, fwd := newTestRouter(exec)

	ack := r.Handle(context.Background(), types.Item{ID: "as", Platform: types.PlatformAudioStart, Permission: "root"})
	if ack.Status != types.StatusSuccess {
		t.Fatalf("start ack = %+v", ack)
	}
	if !fwd.Running() {
		t.Error("forwarder should be running")
	}
	starts := exec.Starts()
	if len(starts) != 1 || !strings.HasPrefix(starts[0], `su -c "tinycap`) {
		t.Errorf("starts = %v", starts)
	}

	ack = r.Handle(context.Background(), types.Item{ID: "st", Platform: types.PlatformAudioStop})
	if ack.Status != types.StatusSuccess {
		t.Fatalf("stop ack = %+v", ack)
	}
	if fwd.Running() || !proc.Terminated() {
		t.Errorf("running = %v terminated = %v", fwd.Running(), proc.Terminated())
	}
}

func TestRouterAudioStartFailure(t *testing.T) {
	exec := devicetest.NewExecutor().FailStart(errors.New("no such binary"))
	r, _ := newTestRouter(exec)

	ack := r.Handle(context.Background(), types.Item{ID: "as", Platform: types.PlatformAudioStart})
	if ack.Status != types.StatusFailed || ack.Code != types.CodeActionFailed {
		t.Errorf("ack = %+v", ack)
	}
}

func TestRouterWithoutAudio(t *testing.T) {
	ctrl := device.NewController(devicetest.NewExecutor(), nil, device.ControllerConfig{})
	r := NewRouter(automation.NewExecutor(ctrl, automation.DefaultConfig()), nil)
	for _, p := range []string{types.PlatformAudioStart, types.PlatformAudioStop} {
		if ack := r.Handle(context.Background(), types.Item{ID: "x", Platform: p}); ack.Status != types.StatusFailed {
			t.Errorf("%s ack = %+v", p, ack)
		}
	}
}

func TestAckFor(t *testing.T) {
	item := types.Item{ID: "9", Retry: 1}

	ok := ackFor(item, automation.Result{
		Flow:    "wa_call",
		Outcome: automation.OutcomeSuccess,
		Output:  map[string]interface{}{"duration": 21},
		Elapsed: 1500 * time.Millisecond,
	})
	p := ok.Payload.(map[string]interface{})
	if ok.Status != types.StatusSuccess || ok.Retry != 1 || p["duration"] != 21 || p["elapsed_ms"] != int64(1500) {
		t.Errorf("success ack = %+v", ok)
	}

	bad := ackFor(item, automation.Result{Flow: "wa", Outcome: automation.OutcomeTargetUnavailable})
	if bad.Code != string(automation.OutcomeTargetUnavailable) || bad.Message != string(automation.OutcomeTargetUnavailable) || bad.Retry != 2 {
		t.Errorf("failed ack = %+v", bad)
	}

	plain := ackFor(item, automation.Result{Flow: "shell", Outcome: automation.OutcomeFailed, Detail: "exit 1"})
	if plain.Code != types.CodeActionFailed || plain.Message != "exit 1" {
		t.Errorf("plain failure = %+v", plain)
	}
}
