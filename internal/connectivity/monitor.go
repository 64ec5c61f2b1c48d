package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// State is the observed network reachability.
type State string

const (
	Offline State = "OFFLINE"
	Online  State = "ONLINE"
)

// Transition is the payload for connectivity change events.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Monitor tracks the binary online/offline signal and notifies listeners on
// every transition.
type Monitor struct {
	// notifyMu serializes Set so listeners observe transitions in order.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	current   State
	listeners map[int]func(Transition)
	order     []int
	next      int

	bus    *bus.Bus
	logger *zap.Logger
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(initial State, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		current:   initial,
		listeners: make(map[int]func(Transition)),
		bus:       b,
		logger:    logger,
	}
}

// Current returns the current state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the current state is Online.
func (m *Monitor) Online() bool {
	return m.Current() == Online
}

// Set records an observed state. It returns true when the observation is a
// transition; repeated identical observations are ignored.
func (m *Monitor) Set(online bool) bool {
	to := Offline
	if online {
		to = Online
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return false
	}
	m.current = to
	fns := make([]func(Transition), 0, len(m.order))
	for _, id := range m.order {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	tr := Transition{From: from, To: to, At: time.Now()}
	m.logger.Info("connectivity changed", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, fn := range fns {
		fn(tr)
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConnectivityChanged,
		Timestamp: tr.At,
		Payload:   tr,
	})
	return true
}

// Subscribe registers fn to be called on every transition, in registration
// order. The returned function unregisters it.
func (m *Monitor) Subscribe(fn func(Transition)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			for i, v := range m.order {
				if v == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Probe reports whether the remote side is currently reachable.
type Probe func(ctx context.Context) bool

// DialProbe returns a probe that succeeds when a TCP connection to addr can be
// established within timeout.
func DialProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// Watch runs probe immediately and then every interval, feeding the result
// into Set, until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok := probe(ctx)
		if ctx.Err() != nil {
			return
		}
		m.Set(ok)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
