package addresswatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwi-io/kiwi/pkg/coordination"
	"github.com/kiwi-io/kiwi/pkg/event"
)

type step struct {
	ev  coordination.Event
	err error
}

// fakeWatcher replays a script; once exhausted it blocks until cancelled,
// like a real long-poll with nothing to report.
type fakeWatcher struct {
	steps []step
}

func (w *fakeWatcher) Next(ctx context.Context) (coordination.Event, error) {
	if len(w.steps) == 0 {
		<-ctx.Done()
		return coordination.Event{}, ctx.Err()
	}
	s := w.steps[0]
	w.steps = w.steps[1:]
	return s.ev, s.err
}

// fakeSource hands out one scripted watcher per Watcher call and records
// the index each call resumed from.
type fakeSource struct {
	mu      sync.Mutex
	scripts [][]step
	indices []uint64
}

func (s *fakeSource) Watcher(afterIndex uint64) coordination.Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices = append(s.indices, afterIndex)
	var script []step
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	return &fakeWatcher{steps: script}
}

func (s *fakeSource) resumedFrom() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.indices...)
}

func change(action, ip string, index uint64) step {
	return step{ev: coordination.Event{
		Action:        action,
		Key:           "/kiwi/publicips/" + ip,
		Value:         "agent-a",
		ModifiedIndex: index,
	}}
}

// collect runs the watcher over the scripts and returns the first n events
// it produces.
func collect(t *testing.T, source *fakeSource, n int) []event.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan event.Event, 16)
	done := make(chan struct{})
	go func() {
		New(source, time.Millisecond).Run(ctx, events)
		close(done)
	}()

	var got []event.Event
	for len(got) < n {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	cancel()
	<-done
	return got
}

func TestActionMapping(t *testing.T) {
	source := &fakeSource{scripts: [][]step{{
		change("create", "10.0.0.1", 1),
		change("set", "10.0.0.1", 2),
		change("update", "10.0.0.1", 3),
		change("delete", "10.0.0.1", 4),
		change("compareAndDelete", "10.0.0.1", 5),
		change("expire", "10.0.0.1", 6),
	}}}

	got := collect(t, source, 6)

	want := []event.AddressEventKind{
		event.AddressCreated,
		event.AddressSet,
		event.AddressSet,
		event.AddressDeleted,
		event.AddressDeleted,
		event.AddressExpired,
	}
	for i, ev := range got {
		addr, ok := ev.(event.AddressEvent)
		require.True(t, ok)
		assert.Equal(t, want[i], addr.Kind)
		assert.Equal(t, "10.0.0.1", addr.IP)
	}
}

func TestSkipsKeysThatAreNotAddresses(t *testing.T) {
	source := &fakeSource{scripts: [][]step{{
		change("set", "_lock", 1),
		change("set", "2001:db8::1", 2),
		change("set", "10.0.0.1", 3),
	}}}

	got := collect(t, source, 1)
	addr := got[0].(event.AddressEvent)
	assert.Equal(t, "10.0.0.1", addr.IP)
}

func TestSkipsUnknownActions(t *testing.T) {
	source := &fakeSource{scripts: [][]step{{
		change("get", "10.0.0.1", 1),
		change("expire", "10.0.0.2", 2),
	}}}

	got := collect(t, source, 1)
	addr := got[0].(event.AddressEvent)
	assert.Equal(t, event.AddressExpired, addr.Kind)
	assert.Equal(t, "10.0.0.2", addr.IP)
}

func TestReconnectResumesFromLastIndex(t *testing.T) {
	source := &fakeSource{scripts: [][]step{
		{
			change("create", "10.0.0.1", 7),
			{err: errors.New("connection reset")},
		},
		{
			change("expire", "10.0.0.1", 8),
		},
	}}

	got := collect(t, source, 2)

	assert.Equal(t, event.AddressCreated, got[0].(event.AddressEvent).Kind)
	assert.Equal(t, event.AddressExpired, got[1].(event.AddressEvent).Kind)
	// First watch starts from zero; the reconnect resumes after index 7.
	assert.Equal(t, []uint64{0, 7}, source.resumedFrom())
}

func TestRunReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan event.Event)

	done := make(chan struct{})
	go func() {
		New(&fakeSource{}, time.Millisecond).Run(ctx, events)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
