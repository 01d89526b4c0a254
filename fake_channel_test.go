package esteps

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

// fakeChannel replays scripted statuses; the last one repeats forever
type fakeChannel struct {
	mu         sync.Mutex
	sent       []Command
	sendErrs   map[string]error
	statuses   []ToolState
	fetchErr   error
	fetches    int
	fetchDelay time.Duration
}

func newFakeChannel(statuses ...ToolState) *fakeChannel {
	return &fakeChannel{sendErrs: map[string]error{}, statuses: statuses}
}

func (f *fakeChannel) Send(ctx context.Context, cmd Command) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	if err := f.sendErrs[cmd.Tag()]; err != nil {
		return Response{}, err
	}
	return Response{StatusCode: 200}, nil
}

func (f *fakeChannel) FetchStatus(ctx context.Context) (ToolState, error) {
	f.mu.Lock()
	n := f.fetches
	f.fetches++
	delay := f.fetchDelay
	err := f.fetchErr
	var state ToolState
	switch {
	case len(f.statuses) == 0:
		state = ToolState{Status: StatusIdle}
	case n < len(f.statuses):
		state = f.statuses[n]
	default:
		state = f.statuses[len(f.statuses)-1]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ToolState{}, ctx.Err()
		}
	}
	if err != nil {
		return ToolState{}, err
	}
	return state, nil
}

func (f *fakeChannel) failSend(tag string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs[tag] = err
}

func (f *fakeChannel) script(statuses ...ToolState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
	f.fetches = 0
}

func (f *fakeChannel) tags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags := make([]string, 0, len(f.sent))
	for _, c := range f.sent {
		tags = append(tags, c.Tag())
	}
	return tags
}

func (f *fakeChannel) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func stateOf(s ToolStatus) ToolState {
	return ToolState{Status: s}
}

func num(v float64) *float64 {
	return &v
}

// eventLog records every event a wizard delivers
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofKind(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 50,
	}
}

func newTestWizard(t *testing.T, ch Channel, opts Options) (*Wizard, *eventLog) {
	t.Helper()
	w, err := NewWizard(ch, logging.NewTestLogger(t), opts)
	if err != nil {
		t.Fatalf("NewWizard failed: %v", err)
	}
	t.Cleanup(w.Close)

	log := &eventLog{}
	w.Subscribe(log.add)
	return w, log
}
