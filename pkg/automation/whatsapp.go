package automation

import (
	"context"
	"strings"
	"time"

	"Relay/pkg/locator"
)

// Popup texts shown when a wa.me target cannot be reached.
var unavailableKeywords = []string{
	"isn't on whatsapp", "not on whatsapp", "is not on whatsapp",
	"tidak terdaftar", "tidak ada di whatsapp", "tidak menggunakan whatsapp",
	"shared via url is invalid", "nomor telepon yang dibagikan",
}

var (
	dismissQuery = locator.Query{
		locator.ByID("android:id/button1"),
		locator.ByText("OK", "OKE", "Tutup", "Close", "Batal", "Cancel"),
		locator.ByDescKeywords("tutup", "close"),
	}

	entryQuery = locator.Query{
		locator.ByID("entry"),
		locator.ByClassClickable("android.widget.EditText"),
		locator.ByPredicate("edit-text", func(n *locator.Node) bool { return n.Class == "android.widget.EditText" }),
	}

	sendQuery = locator.Query{
		locator.ByID("send"),
		locator.ByDescKeywords("send", "kirim"),
	}

	confirmCallQuery = locator.Query{
		locator.ByPredicate("confirm-button", func(n *locator.Node) bool {
			return n.ResourceID == "android:id/button1" && containsFold(n.Text, "call", "telepon", "panggil")
		}),
		locator.ByText("Call", "Telepon", "Panggil", "Start call", "Mulai panggilan"),
	}

	appEndCallQuery = locator.Query{
		locator.ByIDContains("end_call_button", "footer_end_call"),
		locator.ByDescKeywords("end call", "hang up", "leave call", "akhiri", "tutup panggilan"),
	}
)

func callButtonQuery(video bool) locator.Query {
	if video {
		return locator.Query{
			locator.ByIDContains("video_call"),
			locator.ByDescKeywords("telepon video", "video call", "panggilan video"),
		}
	}
	return locator.Query{
		locator.ByIDContains("voice_call", "audio_call"),
		locator.ByDescKeywords("telepon suara", "voice call", "panggilan suara"),
	}
}

// unavailable reports whether the snapshot shows a "not on WhatsApp" popup.
func unavailable(s *locator.Snapshot) bool {
	return s.Contains(func(n *locator.Node) bool {
		return containsFold(n.Text, unavailableKeywords...) || containsFold(n.ContentDesc, unavailableKeywords...)
	})
}

// openChat opens the wa.me deep link for number.
func (e *Executor) openChat(ctx context.Context, fs *FlowState, number string) bool {
	start := e.now()
	err := e.dev.StartActivity(ctx, "android.intent.action.VIEW", "https://wa.me/"+number, e.cfg.WhatsAppPackage)
	if err != nil {
		fs.record(PhaseNavigate, "open_chat", start, false, 0, err.Error())
		return false
	}
	fs.record(PhaseNavigate, "open_chat", start, true, 0, number)
	e.wait(ctx, e.cfg.LaunchDelay)
	return true
}

// precheck dismisses a "target unavailable" popup and reports whether one was shown.
func (e *Executor) precheck(ctx context.Context, fs *FlowState) bool {
	start := e.now()
	s, ok := e.snapshot(ctx)
	if !ok || !unavailable(s) {
		fs.record(PhasePrecheck, "unavailable_popup", start, true, 0, "")
		return false
	}
	fs.record(PhasePrecheck, "unavailable_popup", start, true, 0, "target unavailable")
	e.tap(ctx, fs, PhaseEnd, "dismiss_popup", dismissQuery)
	return true
}

// confirmDialog waits for a transient dialog and taps it. A dialog that
// never appears is not a failure.
func (e *Executor) confirmDialog(ctx context.Context, fs *FlowState, name string, q locator.Query) {
	start := e.now()
	m, _, ok := e.waitFor(ctx, q, e.cfg.DialogWindow)
	if !ok {
		fs.record(PhaseAct, name, start, true, 0, "no dialog")
		return
	}
	if err := e.dev.Tap(ctx, m.Point); err != nil {
		fs.record(PhaseAct, name, start, false, m.Level, err.Error())
		return
	}
	fs.record(PhaseAct, name, start, true, m.Level, m.Point.String())
	e.wait(ctx, e.cfg.StepDelay)
}

// SendMessage opens a chat with to, types text like a person and sends it.
func (e *Executor) SendMessage(ctx context.Context, to, text string) Result {
	fs := newFlowState("wa_message", e.now)
	number := WhatsAppNumber(to, e.cfg.CountryCode)
	if number == "" {
		return fs.result(OutcomeFailed, "recipient is required", nil)
	}
	if strings.TrimSpace(text) == "" {
		return fs.result(OutcomeFailed, "text is required", nil)
	}

	if !e.openChat(ctx, fs, number) {
		return fs.result(OutcomeFailed, "cannot open chat", nil)
	}
	if e.precheck(ctx, fs) {
		return fs.result(OutcomeTargetUnavailable, number+" is not on WhatsApp", nil)
	}

	if !e.tap(ctx, fs, PhaseAct, "focus_entry", entryQuery) {
		e.tap(ctx, fs, PhaseEnd, "dismiss_popup", dismissQuery)
		return fs.result(OutcomeFailed, "message entry not found", nil)
	}

	start := e.now()
	if err := e.dev.TypeHuman(ctx, text); err != nil {
		fs.record(PhaseAct, "type_text", start, false, 0, err.Error())
		return fs.result(OutcomeFailed, "typing failed", nil)
	}
	fs.record(PhaseAct, "type_text", start, true, 0, "")

	if !e.tap(ctx, fs, PhaseVerify, "send", sendQuery) {
		return fs.result(OutcomeFailed, "send button not found", nil)
	}
	return fs.result(OutcomeSuccess, "", map[string]interface{}{"to": number})
}

// AppCall places a WhatsApp voice or video call, holds it for hold and
// hangs up.
func (e *Executor) AppCall(ctx context.Context, to string, video bool, hold time.Duration) Result {
	fs := newFlowState("wa_call", e.now)
	number := WhatsAppNumber(to, e.cfg.CountryCode)
	if number == "" {
		return fs.result(OutcomeFailed, "recipient is required", nil)
	}
	if hold <= 0 {
		hold = e.cfg.DefaultHold
	}

	if !e.openChat(ctx, fs, number) {
		return fs.result(OutcomeFailed, "cannot open chat", nil)
	}
	if e.precheck(ctx, fs) {
		return fs.result(OutcomeTargetUnavailable, number+" is not on WhatsApp", nil)
	}

	placed := e.tap(ctx, fs, PhaseAct, "call_button", callButtonQuery(video))
	recording := false
	if placed {
		e.confirmDialog(ctx, fs, "confirm_call", confirmCallQuery)
		recording = e.startAudio(ctx, fs)
		start := e.now()
		e.wait(ctx, hold)
		fs.record(PhaseVerify, "hold", start, true, 0, hold.String())
	}

	summary := e.finishCall(ctx, fs, appEndCallQuery, false)
	if recording {
		e.stopAudio(fs)
	}

	if !placed {
		return fs.result(OutcomeFailed, "call button not found", summary.output())
	}
	return fs.result(OutcomeSuccess, summary.detail(), summary.output())
}

func (e *Executor) startAudio(ctx context.Context, fs *FlowState) bool {
	if e.audio == nil || !e.cfg.RecordAppCalls {
		return false
	}
	start := e.now()
	if err := e.audio.Start(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Call audio capture failed to start")
		fs.record(PhaseAct, "audio_start", start, false, 0, err.Error())
		return false
	}
	fs.record(PhaseAct, "audio_start", start, true, 0, "")
	return true
}

func (e *Executor) stopAudio(fs *FlowState) {
	start := e.now()
	err := e.audio.Stop()
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	fs.record(PhaseEnd, "audio_stop", start, err == nil, 0, detail)
}

func containsFold(s string, keywords ...string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
