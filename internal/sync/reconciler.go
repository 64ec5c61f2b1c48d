package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"go.uber.org/zap"
)

// CheckpointLastPass is the sync_state key holding the time of the last
// completed reconciliation.
const CheckpointLastPass = "reconciler.last_pass"

// Outcome is the answer of the delivery capability for one message.
type Outcome int

const (
	Accepted Outcome = iota + 1
	RejectedPermanently
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedPermanently:
		return "rejected"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Deliverer hands a message to the remote side. A returned error is a
// transient failure: the message stays queued.
type Deliverer interface {
	AttemptDelivery(ctx context.Context, m chat.Message) (Outcome, error)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, m chat.Message) (Outcome, error)

func (f DelivererFunc) AttemptDelivery(ctx context.Context, m chat.Message) (Outcome, error) {
	return f(ctx, m)
}

// Monitor is the connectivity signal the reconciler follows.
type Monitor interface {
	Online() bool
	Subscribe(fn func(connectivity.Transition)) func()
}

// Checkpointer records sync checkpoints. *store.DB implements it.
type Checkpointer interface {
	SetState(key, value string) error
}

// Result summarizes one reconciliation.
type Result struct {
	Passes    int
	Attempted int
	Sent      int
	Failed    int
	// Cleared counts entries dropped without delivery because their message
	// was missing or already settled.
	Cleared  int
	Deferred int
	// Interrupted is set when connectivity dropped or the context ended mid-drain.
	Interrupted bool
}

func (r *Result) add(o Result) {
	r.Attempted += o.Attempted
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Cleared += o.Cleared
	r.Deferred = o.Deferred
	r.Interrupted = r.Interrupted || o.Interrupted
}

// Reconciler drains the outbox through the delivery capability whenever the
// device comes back online.
type Reconciler struct {
	store     *chat.Store
	monitor   Monitor
	deliverer Deliverer
	cp        Checkpointer
	bus       *bus.Bus
	logger    *zap.Logger
	retry     time.Duration

	trigger chan struct{}
	// sem admits one reconciliation at a time.
	sem    chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a reconciler. cp may be nil. A positive retry schedules
// another reconciliation after transient failures while still online.
func NewReconciler(s *chat.Store, m Monitor, d Deliverer, cp Checkpointer, b *bus.Bus, logger *zap.Logger, retry time.Duration) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     s,
		monitor:   m,
		deliverer: d,
		cp:        cp,
		bus:       b,
		logger:    logger,
		retry:     retry,
		trigger:   make(chan struct{}, 1),
		sem:       make(chan struct{}, 1),
	}
}

// Start follows the monitor and reconciles on every transition to online, and
// on every message queued while online.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	unsub := r.monitor.Subscribe(func(tr connectivity.Transition) {
		if tr.To == connectivity.Online {
			r.Trigger()
		}
	})
	r.store.OnEnqueue(func() {
		if r.monitor.Online() {
			r.Trigger()
		}
	})
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		defer unsub()
		defer r.store.OnEnqueue(nil)
		r.loop(ctx)
	}()
}

// Stop stops the reconciler and waits for a running pass to notice.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Trigger requests a reconciliation. Requests made while one is pending
// collapse into it.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	var retry <-chan time.Time
	for {
		select {
		case <-r.trigger:
		case <-retry:
			retry = nil
			if !r.monitor.Online() {
				continue
			}
		case <-ctx.Done():
			return
		}

		res, err := r.Reconcile(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("reconcile failed", zap.Error(err))
			}
			continue
		}
		if res.Deferred > 0 && r.retry > 0 && r.monitor.Online() {
			r.logger.Info("deliveries deferred, retry scheduled",
				zap.Int("deferred", res.Deferred),
				zap.Duration("in", r.retry))
			retry = time.After(r.retry)
		}
	}
}

// Reconcile drains the outbox until a pass makes no progress. Entries are
// attempted in enqueue order; after a transient failure the remaining entries
// of that chat wait for the next reconciliation.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-r.sem }()

	var total Result
	blocked := make(map[string]bool)
	for {
		res := r.pass(ctx, blocked)
		total.Passes++
		total.add(res)
		if res.Interrupted || res.Attempted+res.Cleared == 0 {
			break
		}
	}

	r.logger.Info("reconcile completed",
		zap.Int("passes", total.Passes),
		zap.Int("attempted", total.Attempted),
		zap.Int("sent", total.Sent),
		zap.Int("failed", total.Failed),
		zap.Int("cleared", total.Cleared),
		zap.Int("deferred", total.Deferred),
		zap.Bool("interrupted", total.Interrupted))
	r.bus.Publish(bus.Event{
		Kind:      bus.KindReconcileCompleted,
		Timestamp: time.Now(),
		Payload:   total,
	})
	if r.cp != nil {
		if err := r.cp.SetState(CheckpointLastPass, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			r.logger.Warn("failed to record checkpoint", zap.Error(err))
		}
	}
	return total, ctx.Err()
}

func (r *Reconciler) pass(ctx context.Context, blocked map[string]bool) Result {
	var res Result

	for e := range r.store.Drain() {
		if ctx.Err() != nil || !r.monitor.Online() {
			res.Interrupted = true
			break
		}
		if blocked[e.ChatID] {
			res.Deferred++
			continue
		}

		m, ok := r.store.Message(e.MessageID)
		if !ok || m.Status != chat.StatusPending {
			removed, err := r.store.ClearEntry(e.MessageID)
			if err != nil {
				r.logger.Warn("outbox clear not durable", zap.String("msg_id", e.MessageID), zap.Error(err))
			}
			if removed {
				res.Cleared++
			}
			continue
		}

		res.Attempted++
		outcome, err := r.deliverer.AttemptDelivery(ctx, m)
		if err == nil && outcome != Accepted && outcome != RejectedPermanently {
			err = fmt.Errorf("unknown delivery outcome %s", outcome)
		}
		if err != nil {
			if ctx.Err() != nil {
				res.Interrupted = true
				break
			}
			r.logger.Info("delivery deferred",
				zap.String("msg_id", m.ID),
				zap.String("chat_id", m.ChatID),
				zap.Error(err))
			blocked[e.ChatID] = true
			res.Deferred++
			continue
		}

		to := chat.StatusSent
		if outcome == RejectedPermanently {
			to = chat.StatusFailed
		}
		if _, err := r.store.Settle(m.ID, to); err != nil {
			r.logger.Warn("settle not durable", zap.String("msg_id", m.ID), zap.Error(err))
		}

		if to == chat.StatusSent {
			res.Sent++
		} else {
			r.logger.Warn("delivery rejected", zap.String("msg_id", m.ID), zap.String("chat_id", m.ChatID))
			res.Failed++
		}
	}

	return res
}
