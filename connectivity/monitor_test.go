package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeProber returns a scripted sequence of probe results.
type fakeProber struct {
	results []bool
	errs    []error
	calls   int
}

func (p *fakeProber) Probe(ctx context.Context) (bool, error) {
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	return p.results[i], err
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// TestMonitor_DefaultsConnected verifies the monitor starts optimistic so a
// device that has never probed still attempts remote operations first.
func TestMonitor_DefaultsConnected(t *testing.T) {
	m := NewMonitor(&fakeProber{results: []bool{true}}, time.Minute, testLogger())
	if !m.IsConnected() {
		t.Fatal("expected initial state to be connected")
	}
}

// TestMonitor_NotifiesOnTransitionOnly verifies listeners fire once per state
// change, not once per probe.
func TestMonitor_NotifiesOnTransitionOnly(t *testing.T) {
	m := NewMonitor(&fakeProber{results: []bool{true}}, time.Minute, testLogger())

	var events []bool
	unsubscribe := m.Subscribe(func(connected bool) {
		events = append(events, connected)
	})
	defer unsubscribe()

	// Subscribe delivers the current state immediately.
	if len(events) != 1 || events[0] != true {
		t.Fatalf("expected immediate snapshot event, got %v", events)
	}

	m.Report(true)  // no transition
	m.Report(false) // offline
	m.Report(false) // repeat, no transition
	m.Report(true)  // online again

	want := []bool{true, false, true}
	if len(events) != len(want) {
		t.Fatalf("event count = %d, want %d (%v)", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

// TestMonitor_Unsubscribe verifies a removed listener stops receiving events.
func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(&fakeProber{results: []bool{true}}, time.Minute, testLogger())

	count := 0
	unsubscribe := m.Subscribe(func(bool) { count++ })
	unsubscribe()

	m.Report(false)
	if count != 1 {
		t.Fatalf("expected only the snapshot event, got %d", count)
	}
}

// TestMonitor_ProbeErrorKeepsOptimism verifies an inconclusive probe leaves
// the state reachable instead of flapping offline.
func TestMonitor_ProbeErrorKeepsOptimism(t *testing.T) {
	p := &fakeProber{results: []bool{false}, errs: []error{errors.New("dns timeout")}}
	m := NewMonitor(p, time.Minute, testLogger())

	m.ProbeOnce(context.Background())
	if !m.IsConnected() {
		t.Fatal("inconclusive probe should not mark the device offline")
	}
}

// TestMonitor_ProbeDrivesState verifies determined probe results update the
// state and the transition timestamp.
func TestMonitor_ProbeDrivesState(t *testing.T) {
	p := &fakeProber{results: []bool{false, true}}
	m := NewMonitor(p, time.Minute, testLogger())

	m.ProbeOnce(context.Background())
	if m.IsConnected() {
		t.Fatal("expected offline after negative probe")
	}
	offlineAt := m.LastTransition()

	m.ProbeOnce(context.Background())
	if !m.IsConnected() {
		t.Fatal("expected online after positive probe")
	}
	if !m.LastTransition().After(offlineAt) && !m.LastTransition().Equal(offlineAt) {
		t.Fatal("transition time did not advance")
	}
}
