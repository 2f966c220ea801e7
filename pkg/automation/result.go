package automation

import "time"

// Outcome is the final state of a flow.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeFailed            Outcome = "failed"
	OutcomeTargetUnavailable Outcome = "target_unavailable"
	OutcomeNotFound          Outcome = "not_found"
)

// Phase names the stage of a flow a step belongs to.
type Phase string

const (
	PhaseNavigate Phase = "navigate"
	PhasePrecheck Phase = "precheck"
	PhaseAct      Phase = "act"
	PhaseVerify   Phase = "verify"
	PhaseEnd      Phase = "end"
)

// StepRecord describes one executed step.
type StepRecord struct {
	Phase   Phase         `json:"phase"`
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Level   int           `json:"level,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Detail  string        `json:"detail,omitempty"`
}

// FlowState tracks a single flow execution.
type FlowState struct {
	Flow     string
	Current  Phase
	Steps    []StepRecord
	Fallback string

	started time.Time
	now     func() time.Time
}

func newFlowState(flow string, now func() time.Time) *FlowState {
	return &FlowState{Flow: flow, started: now(), now: now}
}

// record appends a step that began at start.
func (f *FlowState) record(phase Phase, name string, start time.Time, ok bool, level int, detail string) {
	f.Current = phase
	f.Steps = append(f.Steps, StepRecord{
		Phase:   phase,
		Name:    name,
		OK:      ok,
		Level:   level,
		Elapsed: f.now().Sub(start),
		Detail:  detail,
	})
}

// fallback remembers the first fallback path taken.
func (f *FlowState) fallback(name string) {
	if f.Fallback == "" {
		f.Fallback = name
	}
}

// Failed reports whether any step failed.
func (f *FlowState) Failed() bool {
	for _, s := range f.Steps {
		if !s.OK {
			return true
		}
	}
	return false
}

func (f *FlowState) result(outcome Outcome, detail string, output map[string]interface{}) Result {
	return Result{
		Flow:     f.Flow,
		Outcome:  outcome,
		Detail:   detail,
		Output:   output,
		Steps:    f.Steps,
		Fallback: f.Fallback,
		Elapsed:  f.now().Sub(f.started),
	}
}

// Result is what a flow reports back to the dispatcher.
type Result struct {
	Flow     string                 `json:"flow"`
	Outcome  Outcome                `json:"outcome"`
	Detail   string                 `json:"detail,omitempty"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Steps    []StepRecord           `json:"steps,omitempty"`
	Fallback string                 `json:"fallback,omitempty"`
	Elapsed  time.Duration          `json:"elapsed"`
}

// OK reports whether the flow succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }
