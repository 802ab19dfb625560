package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"finalarm/internal/model"
)

var ErrClosed = errors.New("channel closed")

// Channel is a live, duplex connection to one subscriber. Framing is the
// transport's concern.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

type Subscription struct {
	ID      string
	Created time.Time
	ch      Channel
	done    chan struct{}
	once    sync.Once
}

// Done is closed once the subscription leaves the dispatcher, either by
// Unsubscribe or after a failed delivery.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) end() {
	s.once.Do(func() {
		close(s.done)
		go func() { _ = s.ch.Close() }()
	})
}

type DeliveryError struct {
	SubscriberID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to subscriber %s: %v", e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type Message struct {
	Type  string      `json:"type"`
	Alert model.Alert `json:"alert"`
}

type Report struct {
	Delivered int
	Dropped   int
}

// Dispatcher fans alerts out to live subscribers. Nothing is queued for
// subscribers that join later.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	timeout time.Duration
	logger  *slog.Logger
}

func NewDispatcher(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Dispatcher{
		subs:    make(map[string]*Subscription),
		timeout: timeout,
		logger:  logger,
	}
}

func (d *Dispatcher) Subscribe(ch Channel) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		Created: time.Now().UTC(),
		ch:      ch,
		done:    make(chan struct{}),
	}
	d.mu.Lock()
	d.subs[sub.ID] = sub
	d.mu.Unlock()
	if d.logger != nil {
		d.logger.Info("subscriber connected", "subscriber_id", sub.ID)
	}
	return sub
}

func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if d.remove(sub) && d.logger != nil {
		d.logger.Info("subscriber disconnected", "subscriber_id", sub.ID)
	}
}

func (d *Dispatcher) remove(sub *Subscription) bool {
	d.mu.Lock()
	_, ok := d.subs[sub.ID]
	delete(d.subs, sub.ID)
	d.mu.Unlock()
	sub.end()
	return ok
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

type result struct {
	sub *Subscription
	err error
}

// Publish sends a new_alert message to every current subscriber. Each
// delivery gets its own timeout; failed or hung subscribers are dropped.
// Publish returns once all deliveries finished or the timeout elapsed.
func (d *Dispatcher) Publish(ctx context.Context, alert model.Alert) Report {
	msg, err := json.Marshal(Message{Type: "new_alert", Alert: alert})
	if err != nil {
		if d.logger != nil {
			d.logger.Error("encode alert message", "alert_id", alert.ID, "err", err)
		}
		return Report{}
	}
	d.mu.RLock()
	subs := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.RUnlock()
	if len(subs) == 0 {
		return Report{}
	}

	results := make(chan result, len(subs))
	for _, sub := range subs {
		go func(sub *Subscription) {
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			results <- result{sub: sub, err: sub.ch.Send(sendCtx, msg)}
		}(sub)
	}

	pending := make(map[string]*Subscription, len(subs))
	for _, sub := range subs {
		pending[sub.ID] = sub
	}
	var report Report
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	for len(pending) > 0 {
		select {
		case res := <-results:
			delete(pending, res.sub.ID)
			if res.err != nil {
				d.drop(res.sub, res.err)
				report.Dropped++
				continue
			}
			report.Delivered++
		case <-timer.C:
			for _, sub := range pending {
				d.drop(sub, context.DeadlineExceeded)
				report.Dropped++
			}
			pending = nil
		}
	}
	return report
}

func (d *Dispatcher) drop(sub *Subscription, err error) {
	d.remove(sub)
	if d.logger != nil {
		d.logger.Warn("subscriber dropped", "err", &DeliveryError{SubscriberID: sub.ID, Err: err})
	}
}

// Close ends every subscription.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[string]*Subscription)
	d.mu.Unlock()
	for _, sub := range subs {
		sub.end()
	}
}
