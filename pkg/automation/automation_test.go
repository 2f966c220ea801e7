package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"Relay/pkg/device"
	"Relay/pkg/device/devicetest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestExecutor(exec *devicetest.Executor) *Executor {
	ctrl := device.NewController(exec, nil, device.ControllerConfig{DumpRetries: 1})
	ctrl.SetSleep(func(context.Context, time.Duration) error { return nil })
	e := NewExecutor(ctrl, DefaultConfig())
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	e.SetClock(clk.now, clk.sleep)
	return e
}

func node(attrs string) string {
	return fmt.Sprintf(`<node index="0" %s />`, attrs)
}

func screen(pkg string, nodes ...string) string {
	return `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">` +
		`<node index="0" text="" class="android.widget.FrameLayout" package="` + pkg + `" clickable="false" bounds="[0,0][1080,2400]">` +
		strings.Join(nodes, "") +
		`</node></hierarchy>`
}

var (
	chatScreen = screen("com.whatsapp.w4b",
		node(`resource-id="com.whatsapp.w4b:id/voice_call" content-desc="Voice call" class="android.widget.ImageButton" clickable="true" bounds="[800,100][900,200]"`),
		node(`resource-id="com.whatsapp.w4b:id/entry" class="android.widget.EditText" clickable="true" bounds="[0,2000][900,2100]"`),
		node(`resource-id="com.whatsapp.w4b:id/send" content-desc="Send" class="android.widget.ImageButton" clickable="true" bounds="[900,2000][1080,2100]"`),
	)

	unavailableScreen = screen("com.whatsapp.w4b",
		node(`resource-id="android:id/message" text="Phone number +62 812 isn't on WhatsApp." class="android.widget.TextView" bounds="[100,1000][980,1100]"`),
		node(`resource-id="android:id/button1" text="OK" class="android.widget.Button" clickable="true" bounds="[400,1200][680,1300]"`),
	)

	confirmScreen = screen("com.whatsapp.w4b",
		node(`resource-id="android:id/message" text="Start voice call?" class="android.widget.TextView" bounds="[100,1000][980,1100]"`),
		node(`resource-id="android:id/button1" text="CALL" class="android.widget.Button" clickable="true" bounds="[700,1200][900,1300]"`),
	)

	homeScreen = screen("com.android.launcher3",
		node(`text="Phone" class="android.widget.TextView" clickable="true" bounds="[0,2100][200,2300]"`),
		node(`text="Clock" class="android.widget.TextView" clickable="true" bounds="[200,2100][400,2300]"`),
	)
)

func waCallScreen(timer string) string {
	return screen("com.whatsapp.w4b",
		node(`text="Budi" class="android.widget.TextView" bounds="[100,300][980,400]"`),
		node(`text="`+timer+`" class="android.widget.TextView" bounds="[400,420][680,480]"`),
		node(`resource-id="com.whatsapp.w4b:id/end_call_button" content-desc="End call" class="android.widget.ImageButton" clickable="true" bounds="[440,2000][640,2200]"`),
	)
}

func dialerScreen(timer string) string {
	return screen("com.android.dialer",
		node(`resource-id="com.android.dialer:id/contactgrid_contact_name" text="+62 812 3456" bounds="[100,300][980,400]"`),
		node(`resource-id="com.android.dialer:id/contactgrid_bottom_timer" text="`+timer+`" bounds="[400,420][680,480]"`),
		node(`resource-id="com.android.dialer:id/incall_end_call" content-desc="End call" class="android.widget.ImageButton" clickable="true" bounds="[400,2000][680,2200]"`),
	)
}

func TestSendMessage(t *testing.T) {
	exec := devicetest.NewExecutor().Dumps(chatScreen)
	e := newTestExecutor(exec)

	r := e.SendMessage(context.Background(), "08123", "hi")
	if r.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), steps %+v", r.Outcome, r.Detail, r.Steps)
	}
	want := []string{
		"am start -a android.intent.action.VIEW -d 'https://wa.me/628123' -p com.whatsapp.w4b",
		"input tap 450 2050",
		"input text h",
		"input text i",
		"input tap 990 2050",
	}
	var got []string
	for _, c := range exec.Calls() {
		if !strings.HasPrefix(c, "uiautomator") {
			got = append(got, c)
		}
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands =\n%v\nwant\n%v", got, want)
	}
}

func TestSendMessageTargetUnavailable(t *testing.T) {
	exec := devicetest.NewExecutor().Dumps(unavailableScreen)
	e := newTestExecutor(exec)

	r := e.SendMessage(context.Background(), "+62812", "hello")
	if r.Outcome != OutcomeTargetUnavailable {
		t.Fatalf("outcome = %s, want target_unavailable", r.Outcome)
	}
	if exec.Count("input text") != 0 {
		t.Error("no text should be typed after the popup")
	}
	if exec.Count("input tap 540 1250") != 1 {
		t.Errorf("popup should be dismissed once, calls: %v", exec.Calls())
	}
}

func TestSendMessageEntryMissingStillDismisses(t *testing.T) {
	blank := screen("com.whatsapp.w4b", node(`text="Loading" class="android.widget.TextView" bounds="[0,0][10,10]"`))
	exec := devicetest.NewExecutor().Dumps(blank)
	e := newTestExecutor(exec)

	r := e.SendMessage(context.Background(), "08123", "hi")
	if r.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", r.Outcome)
	}
	last := r.Steps[len(r.Steps)-1]
	if last.Phase != PhaseEnd || last.Name != "dismiss_popup" {
		t.Errorf("last step = %+v, want the dismiss attempt", last)
	}
}

func TestAppCallEndsTwiceOnLongCalls(t *testing.T) {
	tests := []struct {
		name     string
		timer    string
		dialog   bool
		wantEnds int
	}{
		{"long call with dialog", "00:12", true, 2},
		{"exactly threshold", "00:10", false, 2},
		{"short call", "00:09", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dumps := []string{chatScreen, chatScreen}
			if tt.dialog {
				dumps = append(dumps, confirmScreen)
			}
			dumps = append(dumps, waCallScreen(tt.timer))
			exec := devicetest.NewExecutor().Dumps(dumps...)
			e := newTestExecutor(exec)

			r := e.AppCall(context.Background(), "08123", false, 5*time.Second)
			if r.Outcome != OutcomeSuccess {
				t.Fatalf("outcome = %s (%s)", r.Outcome, r.Detail)
			}
			if got := exec.Count("input tap 540 2100"); got != tt.wantEnds {
				t.Errorf("end taps = %d, want %d", got, tt.wantEnds)
			}
			if got := exec.Count("input tap 850 150"); got != 1 {
				t.Errorf("call button taps = %d, want 1", got)
			}
			confirmTaps := exec.Count("input tap 800 1250")
			if tt.dialog && confirmTaps != 1 {
				t.Errorf("confirm taps = %d, want 1", confirmTaps)
			}
			if !tt.dialog && confirmTaps != 0 {
				t.Errorf("confirm taps = %d, want 0", confirmTaps)
			}
		})
	}
}

type fakeAudio struct {
	starts, stops int
}

func (a *fakeAudio) Start(context.Context) error { a.starts++; return nil }
func (a *fakeAudio) Stop() error                 { a.stops++; return nil }

func TestAppCallRecordsAudio(t *testing.T) {
	exec := devicetest.NewExecutor().Dumps(chatScreen, chatScreen, waCallScreen("00:03"))
	ctrl := device.NewController(exec, nil, device.ControllerConfig{DumpRetries: 1})
	cfg := DefaultConfig()
	cfg.RecordAppCalls = true
	e := NewExecutor(ctrl, cfg)
	clk := &fakeClock{}
	e.SetClock(clk.now, clk.sleep)
	audio := &fakeAudio{}
	e.SetAudio(audio)

	if r := e.AppCall(context.Background(), "08123", false, time.Second); !r.OK() {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if audio.starts != 1 || audio.stops != 1 {
		t.Errorf("audio starts=%d stops=%d, want 1/1", audio.starts, audio.stops)
	}
}

func TestAppCallWithoutButtonStillAttemptsEnd(t *testing.T) {
	blank := screen("com.whatsapp.w4b", node(`text="Chat" class="android.widget.TextView" bounds="[0,0][10,10]"`))
	exec := devicetest.NewExecutor().Dumps(blank)
	e := newTestExecutor(exec)

	r := e.AppCall(context.Background(), "08123", true, time.Second)
	if r.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", r.Outcome)
	}
	var sawEnd bool
	for _, s := range r.Steps {
		if s.Phase == PhaseEnd && s.Name == "end_call" {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Errorf("end step not attempted: %+v", r.Steps)
	}
}

func TestEndCall(t *testing.T) {
	t.Run("no call screen", func(t *testing.T) {
		exec := devicetest.NewExecutor().Dumps(homeScreen)
		e := newTestExecutor(exec)
		r := e.EndCall(context.Background())
		if r.Outcome != OutcomeNotFound {
			t.Errorf("outcome = %s, want not_found", r.Outcome)
		}
		if exec.Count("input tap") != 0 {
			t.Errorf("nothing should be tapped, calls: %v", exec.Calls())
		}
	})
	t.Run("launcher lookalikes", func(t *testing.T) {
		launchers := []string{
			screen("com.android.launcher3",
				node(`content-desc="Calendar" class="android.widget.TextView" clickable="true" bounds="[0,2100][200,2300]"`)),
			screen("com.android.launcher3",
				node(`resource-id="com.android.launcher3:id/search" content-desc="Search" class="android.widget.ImageButton" clickable="true" bounds="[0,2100][200,2300]"`)),
			screen("com.android.launcher3",
				node(`content-desc="End of list" class="android.widget.ImageButton" clickable="true" bounds="[0,2100][200,2300]"`)),
		}
		for i, l := range launchers {
			exec := devicetest.NewExecutor().Dumps(l)
			r := newTestExecutor(exec).EndCall(context.Background())
			if r.Outcome != OutcomeNotFound {
				t.Errorf("screen %d: outcome = %s, want not_found", i, r.Outcome)
			}
			if exec.Count("input") != 0 {
				t.Errorf("screen %d: nothing should be tapped, calls: %v", i, exec.Calls())
			}
		}
	})
	t.Run("empty dump", func(t *testing.T) {
		exec := devicetest.NewExecutor().Dumps("")
		if r := newTestExecutor(exec).EndCall(context.Background()); r.Outcome != OutcomeNotFound {
			t.Errorf("outcome = %s, want not_found", r.Outcome)
		}
	})
	t.Run("dialer", func(t *testing.T) {
		exec := devicetest.NewExecutor().Dumps(dialerScreen("00:30"))
		r := newTestExecutor(exec).EndCall(context.Background())
		if !r.OK() {
			t.Fatalf("outcome = %s", r.Outcome)
		}
		if exec.Count("input tap 540 2100") != 1 {
			t.Errorf("calls: %v", exec.Calls())
		}
		if r.Output["target"] != "+62 812 3456" {
			t.Errorf("target = %v", r.Output["target"])
		}
	})
}

func TestCellularCall(t *testing.T) {
	chooser := screen("com.android.server.telecom",
		node(`text="Call with" class="android.widget.TextView" bounds="[100,900][980,1000]"`),
		node(`text="SIM 1" class="android.widget.TextView" clickable="true" bounds="[100,1000][980,1100]"`),
		node(`text="SIM 2" class="android.widget.TextView" clickable="true" bounds="[100,1100][980,1200]"`),
	)
	exec := devicetest.NewExecutor().Dumps(chooser, dialerScreen("00:04"))
	e := newTestExecutor(exec)

	r := e.CellularCall(context.Background(), "0812-3456", 1, 3*time.Second)
	if !r.OK() {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if exec.Count("am start -a android.intent.action.CALL -d 'tel:+628123456'") != 1 {
		t.Errorf("dial command missing: %v", exec.Calls())
	}
	if exec.Count("input tap 540 1150") != 1 {
		t.Errorf("SIM 2 not chosen: %v", exec.Calls())
	}
	if exec.Count("input tap 540 2100") != 1 {
		t.Errorf("want one end tap for a 4s call: %v", exec.Calls())
	}
	if r.Output["seconds"] != 4 {
		t.Errorf("seconds = %v", r.Output["seconds"])
	}
}

func TestCellularCallKeyeventFallback(t *testing.T) {
	exec := devicetest.NewExecutor().Dumps("")
	e := newTestExecutor(exec)

	r := e.CellularCall(context.Background(), "08123", 0, time.Second)
	if !r.OK() {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if exec.Count("input keyevent 6") != 1 {
		t.Errorf("expected KEYCODE_ENDCALL fallback, calls: %v", exec.Calls())
	}
	if !strings.Contains(r.Fallback, "keyevent") {
		t.Errorf("fallback = %q", r.Fallback)
	}
}

func TestSendUSSD(t *testing.T) {
	running := screen("com.android.phone",
		node(`resource-id="android:id/message" text="USSD code running…" class="android.widget.TextView" bounds="[100,1000][980,1100]"`),
	)
	response := screen("com.android.phone",
		node(`resource-id="android:id/message" text="Sisa pulsa Rp 10.000" class="android.widget.TextView" bounds="[100,1000][980,1100]"`),
		node(`resource-id="android:id/button1" text="OK" class="android.widget.Button" clickable="true" bounds="[700,1200][900,1300]"`),
	)
	exec := devicetest.NewExecutor().Dumps(running, running, response)
	e := newTestExecutor(exec)

	r := e.SendUSSD(context.Background(), "*123#", 0)
	if !r.OK() {
		t.Fatalf("outcome = %s (%s)", r.Outcome, r.Detail)
	}
	if r.Output["response"] != "Sisa pulsa Rp 10.000" {
		t.Errorf("response = %v", r.Output["response"])
	}
	if exec.Count("am start -a android.intent.action.CALL -d 'tel:*123%23'") != 1 {
		t.Errorf("dial command missing: %v", exec.Calls())
	}
	if exec.Count("input tap 800 1250") != 1 {
		t.Errorf("dialog not dismissed: %v", exec.Calls())
	}
}

func TestSendUSSDNoResponse(t *testing.T) {
	exec := devicetest.NewExecutor().Dumps(homeScreen)
	r := newTestExecutor(exec).SendUSSD(context.Background(), "*888#", 0)
	if r.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", r.Outcome)
	}
}

func TestToggleMute(t *testing.T) {
	call := screen("com.android.dialer",
		node(`text="Mute" class="android.widget.TextView" clickable="false" bounds="[100,1500][300,1600]"`),
	)
	exec := devicetest.NewExecutor().Dumps(call)
	if r := newTestExecutor(exec).ToggleMute(context.Background()); !r.OK() {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if exec.Count("input tap 200 1550") != 1 {
		t.Errorf("calls: %v", exec.Calls())
	}

	exec = devicetest.NewExecutor().Dumps(homeScreen)
	if r := newTestExecutor(exec).ToggleMute(context.Background()); r.Outcome != OutcomeNotFound {
		t.Errorf("outcome = %s, want not_found", r.Outcome)
	}
}

func TestCallStatus(t *testing.T) {
	exec := devicetest.NewExecutor().Dumps(dialerScreen("01:05"))
	r := newTestExecutor(exec).CallStatus(context.Background())
	if r.Output["in_call"] != true || r.Output["seconds"] != 65 || r.Output["status"] != "connected" {
		t.Errorf("output = %+v", r.Output)
	}

	exec = devicetest.NewExecutor().Dumps(homeScreen)
	r = newTestExecutor(exec).CallStatus(context.Background())
	if r.Output["in_call"] != false || r.Output["duration"] != "00:00" {
		t.Errorf("output = %+v", r.Output)
	}
}

func TestSendSMS(t *testing.T) {
	exec := devicetest.NewExecutor()
	e := newTestExecutor(exec)

	if r := e.SendSMS(context.Background(), "+628123", "it's me", 0); !r.OK() {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if r := e.SendSMS(context.Background(), "08123", "hi", 1); !r.OK() {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	calls := exec.Calls()
	want := []string{
		`termux-sms-send -n +628123 'it'\''s me'`,
		`termux-sms-send -n +628123 -s 1 'hi'`,
	}
	if strings.Join(calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", calls, want)
	}

	exec = devicetest.NewExecutor().Fail("termux-sms-send", fmt.Errorf("not found"))
	if r := newTestExecutor(exec).SendSMS(context.Background(), "08123", "hi", 0); r.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", r.Outcome)
	}
}

func TestTapWithLocators(t *testing.T) {
	exec := devicetest.NewExecutor().Dumps(chatScreen)
	e := newTestExecutor(exec)

	r := e.Tap(context.Background(), []string{"text=missing", "content-desc=Send"})
	if !r.OK() {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if r.Output["level"] != 1 || r.Fallback == "" {
		t.Errorf("output = %+v fallback=%q", r.Output, r.Fallback)
	}
	if exec.Count("input tap 990 2050") != 1 {
		t.Errorf("calls: %v", exec.Calls())
	}
}

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"08123456", "+628123456"},
		{"+62 812-3456", "+628123456"},
		{"628123456", "+628123456"},
		{"8123456", "+628123456"},
		{"0062812", "+62812"},
		{"", ""},
		{"abc", ""},
	}
	for _, tt := range tests {
		if got := NormalizeNumber(tt.in, "62"); got != tt.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := WhatsAppNumber("0812", "62"); got != "62812" {
		t.Errorf("WhatsAppNumber = %q", got)
	}
}
