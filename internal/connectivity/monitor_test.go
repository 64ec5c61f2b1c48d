package connectivity

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMonitor(Offline, nil, nil)
	if m.Online() {
		t.Error("monitor created Offline reports Online")
	}
	if m.Current() != Offline {
		t.Errorf("state = %s, want OFFLINE", m.Current())
	}
}

func TestSetNotifiesOncePerTransition(t *testing.T) {
	m := NewMonitor(Offline, nil, nil)

	var got []Transition
	m.Subscribe(func(tr Transition) { got = append(got, tr) })

	steps := []struct {
		online bool
		want   bool
	}{
		{true, true},
		{true, false},
		{false, true},
		{false, false},
		{true, true},
	}
	for i, s := range steps {
		if changed := m.Set(s.online); changed != s.want {
			t.Errorf("step %d: Set(%v) = %v, want %v", i, s.online, changed, s.want)
		}
	}
	if len(got) != 3 {
		t.Fatalf("listener called %d times, want 3", len(got))
	}
	if got[0].From != Offline || got[0].To != Online {
		t.Errorf("first transition = %s -> %s", got[0].From, got[0].To)
	}
	if got[1].To != Offline || got[2].To != Online {
		t.Errorf("transitions = %+v", got)
	}
}

func TestListenersRunInRegistrationOrder(t *testing.T) {
	m := NewMonitor(Offline, nil, nil)

	var order []int
	m.Subscribe(func(Transition) { order = append(order, 1) })
	unsub := m.Subscribe(func(Transition) { order = append(order, 2) })
	m.Subscribe(func(Transition) { order = append(order, 3) })

	m.Set(true)
	unsub()
	unsub()
	m.Set(false)

	want := []int{1, 2, 3, 1, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSetPublishesEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m := NewMonitor(Offline, b, nil)
	m.Set(true)

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindConnectivityChanged {
			t.Errorf("kind = %q", evt.Kind)
		}
		tr, ok := evt.Payload.(Transition)
		if !ok {
			t.Fatalf("payload type = %T, want Transition", evt.Payload)
		}
		if tr.To != Online {
			t.Errorf("to = %s, want ONLINE", tr.To)
		}
	case <-time.After(time.Second):
		t.Fatal("no connectivity event")
	}
}

func TestWatchFeedsProbeResults(t *testing.T) {
	m := NewMonitor(Offline, nil, nil)
	var up atomic.Bool
	up.Store(true)

	changed := make(chan State, 10)
	m.Subscribe(func(tr Transition) { changed <- tr.To })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx, func(context.Context) bool { return up.Load() }, 10*time.Millisecond)

	expect := func(want State) {
		t.Helper()
		select {
		case s := <-changed:
			if s != want {
				t.Fatalf("transition to %s, want %s", s, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	expect(Online)
	up.Store(false)
	expect(Offline)
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	probe := DialProbe(addr, time.Second)
	if !probe(context.Background()) {
		t.Error("probe against listening socket failed")
	}

	_ = ln.Close()
	if probe(context.Background()) {
		t.Error("probe against closed socket succeeded")
	}
}
