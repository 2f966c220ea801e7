package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"Relay/pkg/device"
	"Relay/pkg/device/devicetest"
	"Relay/pkg/types"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []types.Message
	err  error
}

func (s *captureSink) Send(msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *captureSink) messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.msgs...)
}

func newForwarder(t *testing.T, cfg Config, procs ...device.Process) (*Forwarder, *devicetest.Executor, *captureSink) {
	t.Helper()
	exec := devicetest.NewExecutor().Processes(procs...)
	ctrl := device.NewController(exec, nil, device.ControllerConfig{})
	sink := &captureSink{}
	return New(ctrl, sink, cfg), exec, sink
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartIsIdempotent(t *testing.T) {
	proc := devicetest.NewProcess()
	f, exec, _ := newForwarder(t, Config{}, proc, devicetest.NewProcess())

	for i := 0; i < 3; i++ {
		if err := f.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d: %v", i+1, err)
		}
	}
	if got := len(exec.Starts()); got != 1 {
		t.Errorf("capture processes started = %d, want 1", got)
	}
	if !f.Running() {
		t.Error("forwarder should be running")
	}
	f.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	proc := devicetest.NewProcess()
	f, _, _ := newForwarder(t, Config{}, proc)

	if err := f.Stop(); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := f.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
	if f.Running() {
		t.Error("forwarder should be stopped")
	}
	if !proc.Terminated() || proc.Killed() {
		t.Errorf("terminated=%v killed=%v, want graceful exit", proc.Terminated(), proc.Killed())
	}
}

func TestChunksAreForwarded(t *testing.T) {
	proc := devicetest.NewProcess()
	f, exec, sink := newForwarder(t, Config{Root: true, ChunkSize: 4}, proc)

	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	payload := []byte("abcdefghij")
	go func() {
		proc.Write(payload)
		proc.Exit()
	}()
	waitUntil(t, func() bool { return !f.Running() })

	msgs := sink.messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d chunks, want 3", len(msgs))
	}
	var joined []byte
	for _, m := range msgs {
		if m["type"] != types.TypeAudioChunk || m["format"] != FormatPCM16 || m["rate"] != 16000 || m["channels"] != 1 {
			t.Errorf("unexpected frame %+v", m)
		}
		b, err := base64.StdEncoding.DecodeString(m["data"].(string))
		if err != nil {
			t.Fatal(err)
		}
		joined = append(joined, b...)
	}
	if !bytes.Equal(joined, payload) {
		t.Errorf("payload = %q, want %q", joined, payload)
	}

	starts := exec.Starts()
	if len(starts) != 1 || starts[0] != `su -c "tinycap /dev/stdout -r 16000 -b 16 -c 1"` {
		t.Errorf("starts = %v", starts)
	}
	if st := f.Stats(); st.Chunks != 3 || st.Bytes != int64(len(payload)) {
		t.Errorf("stats = %+v", st)
	}
}

func TestNonRootUsesMediaRecord(t *testing.T) {
	proc := devicetest.NewProcess()
	f, exec, _ := newForwarder(t, Config{}, proc)
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()
	want := "cmd media record --audio-source=VOICE_CALL --output-format=amr_nb --output /dev/stdout"
	if got := exec.Starts(); len(got) != 1 || got[0] != want {
		t.Errorf("starts = %v", got)
	}
	if f.Stats().Format != FormatAMRNB {
		t.Errorf("format = %s", f.Stats().Format)
	}
}

func TestWedgedProcessIsKilled(t *testing.T) {
	proc := devicetest.NewProcess()
	proc.IgnoreTerminate = true
	f, _, _ := newForwarder(t, Config{StopTimeout: 30 * time.Millisecond, JoinTimeout: 100 * time.Millisecond}, proc)

	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	begin := time.Now()
	f.Stop()
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if !proc.Killed() {
		t.Error("wedged process should be killed")
	}
}

func TestRestartAfterProcessExit(t *testing.T) {
	first := devicetest.NewProcess()
	second := devicetest.NewProcess()
	f, exec, _ := newForwarder(t, Config{}, first, second)

	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.Exit()
	waitUntil(t, func() bool { return !f.Running() })

	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()
	if got := len(exec.Starts()); got != 2 {
		t.Errorf("starts = %d, want 2", got)
	}
	if !f.Running() {
		t.Error("second session should be running")
	}
}

func TestStartFailure(t *testing.T) {
	exec := devicetest.NewExecutor().FailStart(errors.New("no such binary"))
	f := New(device.NewController(exec, nil, device.ControllerConfig{}), &captureSink{}, Config{})
	if err := f.Start(context.Background()); !errors.Is(err, ErrStartFailed) {
		t.Errorf("Start = %v, want ErrStartFailed", err)
	}
	if f.Running() {
		t.Error("should not be running")
	}
}

func TestRateLimitDropsChunks(t *testing.T) {
	proc := devicetest.NewProcess()
	f, _, sink := newForwarder(t, Config{ChunkSize: 2, MaxChunksPerSecond: 1}, proc)
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	go func() {
		proc.Write([]byte("aabbcc"))
		proc.Exit()
	}()
	waitUntil(t, func() bool { return !f.Running() })

	if got := len(sink.messages()); got != 1 {
		t.Errorf("forwarded %d chunks, want 1", got)
	}
	if st := f.Stats(); st.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", st.Dropped)
	}
}
