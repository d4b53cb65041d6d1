package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/user/crowdwatch/internal/types"
)

const laneBuffer = 100

// Local is an in-process bus. Each subscription gets its own FIFO lane
// drained by one goroutine, and a global semaphore bounds how many handlers
// run at once across all lanes. Failed deliveries are redelivered after the
// retry policy's backoff.
type Local struct {
	policy *RetryPolicy
	sem    *semaphore.Weighted
	feed   *Feed
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	subs   map[string][]*localSub
	timers map[*time.Timer]struct{}
	closed bool

	pending atomic.Int64
}

type localSub struct {
	bus     *Local
	topic   string
	handler types.Handler
	lane    chan types.Message

	mu     sync.RWMutex
	closed bool
}

// NewLocal creates a Local bus allowing up to maxConcurrent handlers at once.
func NewLocal(maxConcurrent int64, policy *RetryPolicy, feed *Feed, logger *zap.Logger) *Local {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		policy: policy,
		sem:    semaphore.NewWeighted(maxConcurrent),
		feed:   feed,
		logger: logger.With(zap.String("component", "bus.local")),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string][]*localSub),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Publish delivers data to every subscription on topic. Returns a
// TransientIOError if a lane's buffer is full.
func (b *Local) Publish(_ context.Context, topic string, data any) error {
	payload, err := encode(data)
	if err != nil {
		return types.Permanent(fmt.Errorf("publish %s: %w", topic, err))
	}
	msg := types.Message{
		ID:        string(types.NewRecordID()),
		Topic:     topic,
		Data:      payload,
		Attempt:   1,
		Published: time.Now().UTC(),
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return types.Transient("publish "+topic, fmt.Errorf("bus closed"))
	}
	subs := append([]*localSub(nil), b.subs[topic]...)
	b.mu.RUnlock()

	b.feed.Broadcast(msg)
	if len(subs) == 0 {
		b.logger.Debug("no subscribers", zap.String("topic", topic))
	}
	for _, sub := range subs {
		b.pending.Add(1)
		if !sub.push(msg) {
			b.pending.Add(-1)
			return types.Transient("publish "+topic, fmt.Errorf("lane full"))
		}
	}
	return nil
}

// Subscribe starts a lane for topic that runs h for every delivery.
func (b *Local) Subscribe(_ context.Context, topic string, h types.Handler) (types.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", topic)
	}

	sub := &localSub{
		bus:     b,
		topic:   topic,
		handler: h,
		lane:    make(chan types.Message, laneBuffer),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	go b.processLane(sub)
	return sub, nil
}

// processLane drains one lane, acquiring a semaphore slot before each
// handler call so ordering within a lane stays FIFO.
func (b *Local) processLane(sub *localSub) {
	defer b.wg.Done()
	for {
		select {
		case msg, ok := <-sub.lane:
			if !ok {
				return
			}
			if err := b.sem.Acquire(b.ctx, 1); err != nil {
				b.pending.Add(-1)
				return
			}
			err := sub.handler(b.ctx, msg)
			b.sem.Release(1)

			outcome, _ := settle(&localDelivery{sub: sub, msg: msg}, err, msg.Attempt, b.policy)
			if err != nil {
				b.logger.Warn("handler failed",
					zap.String("topic", msg.Topic),
					zap.String("message_id", msg.ID),
					zap.Int("attempt", msg.Attempt),
					zap.Stringer("outcome", outcome),
					zap.Error(err))
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until no deliveries are queued, running, or awaiting
// redelivery, or the timeout expires. Returns true if idle.
func (b *Local) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if b.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close stops every lane and pending redelivery and waits for running
// handlers to return.
func (b *Local) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for t := range b.timers {
		if t.Stop() {
			b.pending.Add(-1)
		}
	}
	b.timers = nil
	var all []*localSub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = map[string][]*localSub{}
	b.mu.Unlock()

	b.cancel()
	for _, sub := range all {
		sub.close()
	}
	b.wg.Wait()
	return nil
}

func (b *Local) redeliverAfter(sub *localSub, msg types.Message, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.pending.Add(-1)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		if !sub.push(msg) {
			b.logger.Warn("redelivery dropped", zap.String("topic", msg.Topic), zap.String("message_id", msg.ID))
			b.pending.Add(-1)
		}
	})
	b.timers[t] = struct{}{}
}

func (s *localSub) Topic() string { return s.topic }

// Unsubscribe stops the lane. Messages still queued on it are dropped.
func (s *localSub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	subs := b.subs[s.topic]
	for i, other := range subs {
		if other == s {
			b.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.close()
	return nil
}

func (s *localSub) push(msg types.Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.lane <- msg:
		return true
	default:
		return false
	}
}

func (s *localSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for {
		select {
		case <-s.lane:
			s.bus.pending.Add(-1)
		default:
			close(s.lane)
			return
		}
	}
}

// localDelivery adapts one in-process delivery to the acker surface.
type localDelivery struct {
	sub *localSub
	msg types.Message
}

func (d *localDelivery) Ack() error {
	d.sub.bus.pending.Add(-1)
	return nil
}

func (d *localDelivery) NakWithDelay(delay time.Duration) error {
	next := d.msg
	next.Attempt++
	d.sub.bus.redeliverAfter(d.sub, next, delay)
	return nil
}

func (d *localDelivery) Term() error {
	d.sub.bus.pending.Add(-1)
	return nil
}
