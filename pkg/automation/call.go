package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Relay/pkg/device"
	"Relay/pkg/locator"
)

var (
	muteQuery = locator.Query{
		locator.ByPredicate("mute-label", func(n *locator.Node) bool {
			return n.Class == "android.widget.TextView" && (strings.EqualFold(n.Text, "Mute") || strings.EqualFold(n.Text, "Bisukan"))
		}),
		locator.ByIDContains("mute"),
		locator.ByDescKeywords("mute", "bisukan"),
	}

	ussdRunningKeywords = []string{"ussd code running", "menjalankan kode ussd", "running ussd"}

	ussdMessageQuery = locator.Query{
		locator.ByPredicate("ussd-message", func(n *locator.Node) bool {
			return n.ResourceID == "android:id/message" && strings.TrimSpace(n.Text) != "" &&
				!containsFold(n.Text, ussdRunningKeywords...)
		}),
	}

	ussdDismissQuery = locator.Query{
		locator.ByID("android:id/button2"),
		locator.ByID("android:id/button1"),
		locator.ByText("OK", "Cancel", "Batal", "Tutup", "Dismiss"),
	}
)

// callSummary is what was observed on the call screen before hanging up.
type callSummary struct {
	Target   string
	Duration string
	Seconds  int
	Status   string
	Ended    bool
	Repeated bool
}

func (c callSummary) output() map[string]interface{} {
	return map[string]interface{}{
		"target":   c.Target,
		"duration": c.Duration,
		"seconds":  c.Seconds,
		"status":   c.Status,
		"ended":    c.Ended,
	}
}

func (c callSummary) detail() string {
	if !c.Ended {
		return "end action not found"
	}
	return ""
}

func summarize(s *locator.Snapshot) callSummary {
	sum := callSummary{
		Target:   locator.CallTarget(s),
		Duration: locator.CallDuration(s),
		Status:   locator.CallStatus(s),
	}
	sum.Seconds, _ = locator.ParseClock(sum.Duration)
	return sum
}

// finishCall issues the end action, then issues it again on a fresh
// snapshot when the observed call lasted at least MinCallDuration.
// keyFallback sends KEYCODE_ENDCALL when no end control is visible.
func (e *Executor) finishCall(ctx context.Context, fs *FlowState, q locator.Query, keyFallback bool) callSummary {
	s, _ := e.snapshot(ctx)
	sum := summarize(s)
	sum.Ended = e.endOnce(ctx, fs, "end_call", q, s, keyFallback)

	if time.Duration(sum.Seconds)*time.Second >= e.minCallDuration() {
		next, _ := e.snapshot(ctx)
		sum.Repeated = true
		if e.endOnce(ctx, fs, "end_call_repeat", q, next, keyFallback) {
			sum.Ended = true
		}
	}
	return sum
}

// endOnce makes one tap decision on s. Unless a call screen is
// recognisable only resource id matchers may tap.
func (e *Executor) endOnce(ctx context.Context, fs *FlowState, name string, q locator.Query, s *locator.Snapshot, keyFallback bool) bool {
	start := e.now()
	if locator.CallStatus(s) == "unknown" {
		q = q.Only(locator.IDName, locator.IDContainsName)
	}
	if m, ok := q.Find(s); ok {
		if m.Level > 0 {
			fs.fallback(name + ":" + m.Matcher)
		}
		if err := e.dev.Tap(ctx, m.Point); err == nil {
			fs.record(PhaseEnd, name, start, true, m.Level, m.Point.String())
			e.wait(ctx, e.cfg.StepDelay)
			return true
		}
	}
	if !keyFallback {
		fs.record(PhaseEnd, name, start, false, 0, "end control not found")
		return false
	}
	fs.fallback(name + ":keyevent")
	if err := e.dev.KeyEvent(ctx, device.KeycodeEndCall); err != nil {
		fs.record(PhaseEnd, name, start, false, len(q), err.Error())
		return false
	}
	fs.record(PhaseEnd, name, start, true, len(q), "keyevent")
	return true
}

// chooseSim picks a slot in the dual-SIM chooser if one shows up. The
// chooser layout differs per vendor, so this is best-effort.
func (e *Executor) chooseSim(ctx context.Context, fs *FlowState, sim int) {
	e.confirmDialog(ctx, fs, "sim_chooser", simChooserQuery(sim))
}

func simChooserQuery(sim int) locator.Query {
	label := fmt.Sprintf("SIM %d", sim+1)
	compact := fmt.Sprintf("SIM%d", sim+1)
	isSimNode := func(n *locator.Node) bool { return containsFold(n.Label(), "sim") }
	chooserShown := func(s *locator.Snapshot) bool { return len(s.Collect(isSimNode)) >= 2 }

	return locator.Query{
		{Name: "sim-label", Select: func(s *locator.Snapshot) []*locator.Node {
			if !chooserShown(s) {
				return nil
			}
			return s.Collect(func(n *locator.Node) bool {
				return containsFold(n.Label(), label, compact)
			})
		}},
		{Name: "sim-position", Select: func(s *locator.Snapshot) []*locator.Node {
			if !chooserShown(s) {
				return nil
			}
			nodes := s.Collect(isSimNode)
			if sim < 0 || sim >= len(nodes) {
				return nil
			}
			return nodes[sim : sim+1]
		}},
	}
}

// CellularCall dials to on the given SIM, holds the call and hangs up.
func (e *Executor) CellularCall(ctx context.Context, to string, sim int, hold time.Duration) Result {
	fs := newFlowState("cellular_call", e.now)
	number := NormalizeNumber(to, e.cfg.CountryCode)
	if number == "" {
		return fs.result(OutcomeFailed, "recipient is required", nil)
	}
	if hold <= 0 {
		hold = e.cfg.DefaultHold
	}

	start := e.now()
	if err := e.dev.StartActivity(ctx, "android.intent.action.CALL", "tel:"+number, ""); err != nil {
		fs.record(PhaseNavigate, "dial", start, false, 0, err.Error())
		return fs.result(OutcomeFailed, "cannot dial", nil)
	}
	fs.record(PhaseNavigate, "dial", start, true, 0, number)

	e.chooseSim(ctx, fs, sim)

	start = e.now()
	e.wait(ctx, hold)
	fs.record(PhaseVerify, "hold", start, true, 0, hold.String())

	summary := e.finishCall(ctx, fs, locator.EndCallQuery(nil, nil), true)
	out := summary.output()
	out["to"] = number
	out["sim"] = sim
	return fs.result(OutcomeSuccess, summary.detail(), out)
}

// EndCall hangs up whatever call is on screen. No call screen is reported
// as not found.
func (e *Executor) EndCall(ctx context.Context) Result {
	fs := newFlowState("end_call", e.now)
	s, ok := e.snapshot(ctx)
	if !ok {
		fs.record(PhaseEnd, "end_call", e.now(), false, 0, "no snapshot")
		return fs.result(OutcomeNotFound, "no call screen", nil)
	}
	sum := summarize(s)
	if !e.endOnce(ctx, fs, "end_call", locator.EndCallQuery(nil, nil), s, false) {
		return fs.result(OutcomeNotFound, "no call screen", nil)
	}
	sum.Ended = true
	return fs.result(OutcomeSuccess, "", sum.output())
}

// CallStatus reads target, duration and status from the call screen.
func (e *Executor) CallStatus(ctx context.Context) Result {
	fs := newFlowState("call_status", e.now)
	start := e.now()
	s, _ := e.snapshot(ctx)
	sum := summarize(s)
	fs.record(PhaseVerify, "read_call_screen", start, true, 0, sum.Status)
	out := sum.output()
	delete(out, "ended")
	out["in_call"] = sum.Status != "unknown"
	return fs.result(OutcomeSuccess, "", out)
}

// ToggleMute taps the mute control of the call screen.
func (e *Executor) ToggleMute(ctx context.Context) Result {
	fs := newFlowState("toggle_mute", e.now)
	if !e.tap(ctx, fs, PhaseAct, "mute", muteQuery) {
		return fs.result(OutcomeNotFound, "mute control not found", nil)
	}
	return fs.result(OutcomeSuccess, "", nil)
}

// SendUSSD dials a USSD code and returns the network response.
func (e *Executor) SendUSSD(ctx context.Context, code string, sim int) Result {
	fs := newFlowState("ussd", e.now)
	code = strings.TrimSpace(code)
	if code == "" {
		return fs.result(OutcomeFailed, "code is required", nil)
	}

	start := e.now()
	uri := "tel:" + strings.ReplaceAll(code, "#", "%23")
	if err := e.dev.StartActivity(ctx, "android.intent.action.CALL", uri, ""); err != nil {
		fs.record(PhaseNavigate, "dial", start, false, 0, err.Error())
		return fs.result(OutcomeFailed, "cannot dial", nil)
	}
	fs.record(PhaseNavigate, "dial", start, true, 0, code)

	e.chooseSim(ctx, fs, sim)

	start = e.now()
	m, _, ok := e.waitFor(ctx, ussdMessageQuery, e.cfg.USSDWindow)
	if !ok {
		fs.record(PhaseVerify, "read_response", start, false, 0, "no response dialog")
		e.tap(ctx, fs, PhaseEnd, "dismiss", ussdDismissQuery)
		return fs.result(OutcomeFailed, "no USSD response", map[string]interface{}{"code": code})
	}
	response := strings.TrimSpace(m.Node.Text)
	fs.record(PhaseVerify, "read_response", start, true, 0, "")

	e.tap(ctx, fs, PhaseEnd, "dismiss", ussdDismissQuery)
	return fs.result(OutcomeSuccess, "", map[string]interface{}{
		"code":     code,
		"response": response,
		"sim":      sim,
	})
}
