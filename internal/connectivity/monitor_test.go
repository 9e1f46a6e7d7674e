package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFallback struct {
	mu          sync.Mutex
	activations int
	active      bool
}

func (f *fakeFallback) Activate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations++
	f.active = true
	return nil
}

func (f *fakeFallback) Deactivate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	return nil
}

func (f *fakeFallback) isActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// scriptedProbe returns its answers in order, repeating the last one.
func scriptedProbe(answers ...bool) (LocalProbe, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) bool {
		idx := int(calls.Add(1)) - 1
		if idx >= len(answers) {
			idx = len(answers) - 1
		}
		return answers[idx]
	}, &calls
}

func serverUp(ctx context.Context) error   { return nil }
func serverDown(ctx context.Context) error { return errors.New("unreachable") }

func TestSingleMissDoesNotActivateFallback(t *testing.T) {
	probe, _ := scriptedProbe(false, true)
	fb := &fakeFallback{}
	m := NewMonitor(Config{
		GraceProbes: 3,
		LocalProbe:  probe,
		ServerProbe: serverUp,
		Fallback:    fb,
	})

	if got := m.Probe(context.Background()); got != NoNetwork {
		t.Fatalf("state after miss = %v, want NoNetwork", got)
	}
	if fb.isActive() {
		t.Fatal("one missed probe must not activate fallback")
	}

	if got := m.Probe(context.Background()); got != ServerOnline {
		t.Fatalf("state after recovery = %v, want ServerOnline", got)
	}
}

func TestGraceMissesActivateFallback(t *testing.T) {
	probe, _ := scriptedProbe(false)
	fb := &fakeFallback{}
	m := NewMonitor(Config{
		GraceProbes: 3,
		LocalProbe:  probe,
		ServerProbe: serverUp,
		Fallback:    fb,
	})

	for i := 0; i < 2; i++ {
		m.Probe(context.Background())
		if fb.isActive() {
			t.Fatalf("fallback active after %d misses, grace is 3", i+1)
		}
	}

	m.Probe(context.Background())
	if !fb.isActive() {
		t.Fatal("fallback not active after grace misses")
	}
	if fb.activations != 1 {
		t.Fatalf("activations = %d, want 1", fb.activations)
	}
}

func TestOneSuccessDeactivatesFallback(t *testing.T) {
	probe, _ := scriptedProbe(false, false, false, true)
	fb := &fakeFallback{}
	m := NewMonitor(Config{
		GraceProbes: 3,
		LocalProbe:  probe,
		ServerProbe: serverDown,
		Fallback:    fb,
	})

	for i := 0; i < 3; i++ {
		m.Probe(context.Background())
	}
	if !fb.isActive() {
		t.Fatal("fallback should be active after grace misses")
	}

	// Server still down, but the local network came back: fallback goes
	// away and the state is NetworkNoServer.
	if got := m.Probe(context.Background()); got != NetworkNoServer {
		t.Fatalf("state = %v, want NetworkNoServer", got)
	}
	if fb.isActive() {
		t.Fatal("one successful local probe must deactivate fallback")
	}
}

func TestFallbackStaysActiveWhileOffline(t *testing.T) {
	probe, _ := scriptedProbe(false)
	fb := &fakeFallback{}
	m := NewMonitor(Config{
		GraceProbes: 2,
		LocalProbe:  probe,
		Fallback:    fb,
	})

	for i := 0; i < 5; i++ {
		m.Probe(context.Background())
	}
	if fb.activations != 1 {
		t.Fatalf("fallback re-activated while already up: activations = %d", fb.activations)
	}
	if !fb.isActive() {
		t.Fatal("fallback should still be active")
	}
}

func TestHeartbeatFailuresDegradeServerSignal(t *testing.T) {
	probe, _ := scriptedProbe(true)
	m := NewMonitor(Config{
		GraceProbes: 3,
		LocalProbe:  probe,
		ServerProbe: serverUp,
	})

	if got := m.Probe(context.Background()); got != ServerOnline {
		t.Fatalf("initial state = %v, want ServerOnline", got)
	}

	// Two failures are not enough.
	m.ReportHeartbeat(false)
	m.ReportHeartbeat(false)
	if got := m.Probe(context.Background()); got != ServerOnline {
		t.Fatalf("state after 2 heartbeat failures = %v, want ServerOnline", got)
	}

	// The third flips the signal even though the probe still succeeds.
	m.ReportHeartbeat(false)
	if got := m.Probe(context.Background()); got != NetworkNoServer {
		t.Fatalf("state after 3 heartbeat failures = %v, want NetworkNoServer", got)
	}

	// One delivered heartbeat clears it.
	m.ReportHeartbeat(true)
	if got := m.Probe(context.Background()); got != ServerOnline {
		t.Fatalf("state after recovery = %v, want ServerOnline", got)
	}
}

func TestTriggerProbeWakesRun(t *testing.T) {
	probe, calls := scriptedProbe(true)
	m := NewMonitor(Config{
		ProbeInterval: time.Hour, // only TriggerProbe can cause probes
		GraceProbes:   1,
		LocalProbe:    probe,
		ServerProbe:   serverUp,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	m.TriggerProbe()
	deadline = time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	if got := calls.Load(); got < 2 {
		t.Fatalf("probe calls = %d, want at least 2 (startup + triggered)", got)
	}
}
