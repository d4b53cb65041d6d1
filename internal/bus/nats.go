package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/user/crowdwatch/internal/types"
)

// NATSConfig configures the JetStream adapter.
type NATSConfig struct {
	URL           string
	Name          string
	Topics        Topics
	Policy        *RetryPolicy
	MaxConcurrent int64
	// AckWait is how long the server waits for an ack before redelivering.
	// Running handlers extend it with in-progress acks every AckWait/3.
	AckWait time.Duration
}

// DefaultAckWait leaves room for a slow LLM call between heartbeats.
const DefaultAckWait = 30 * time.Second

// NATS is a JetStream-backed bus. Every agent topic is a subject on one
// stream, consumed through a durable queue subscription with explicit ack.
type NATS struct {
	nc     *nats.Conn
	closed chan struct{}
	js     nats.JetStreamContext
	cfg    NATSConfig
	feed   *Feed
	sem    *semaphore.Weighted
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	subjects map[string]bool
	subs     []*natsSub
}

// DialNATS connects to the server and makes sure the stream exists.
func DialNATS(cfg NATSConfig, feed *Feed, logger *zap.Logger) (*NATS, error) {
	if cfg.Policy == nil {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Name == "" {
		cfg.Name = "crowdwatch"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultAckWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bus.nats"))

	closed := make(chan struct{})
	nc, err := nats.Connect(cfg.URL,
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, types.Transient("nats connect", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, types.Transient("nats jetstream", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &NATS{
		nc:       nc,
		closed:   closed,
		js:       js,
		cfg:      cfg,
		feed:     feed,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		subjects: map[string]bool{},
	}
	if err := n.ensureStream(); err != nil {
		cancel()
		nc.Close()
		return nil, err
	}
	return n, nil
}

// ensureStream creates the stream if missing and loads its subject list.
func (n *NATS) ensureStream() error {
	name := n.cfg.Topics.Stream()
	info, err := n.js.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		info, err = n.js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: []string{n.cfg.Topics.Input("_init")},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return types.Transient("nats add stream", err)
		}
		n.logger.Info("created stream", zap.String("stream", name))
	} else if err != nil {
		return types.Transient("nats stream info", err)
	}
	for _, s := range info.Config.Subjects {
		n.subjects[s] = true
	}
	return nil
}

// ensureSubject adds topic to the stream's subjects the first time it is used.
func (n *NATS) ensureSubject(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subjects[topic] {
		return nil
	}
	info, err := n.js.StreamInfo(n.cfg.Topics.Stream())
	if err != nil {
		return types.Transient("nats stream info", err)
	}
	cfg := info.Config
	if !slices.Contains(cfg.Subjects, topic) {
		cfg.Subjects = append(cfg.Subjects, topic)
		if _, err := n.js.UpdateStream(&cfg); err != nil {
			return types.Transient("nats update stream", err)
		}
	}
	n.subjects[topic] = true
	return nil
}

// Publish returns once JetStream has acknowledged the message.
func (n *NATS) Publish(ctx context.Context, topic string, data any) error {
	payload, err := encode(data)
	if err != nil {
		return types.Permanent(fmt.Errorf("publish %s: %w", topic, err))
	}
	if err := n.ensureSubject(topic); err != nil {
		return err
	}
	id := string(types.NewRecordID())
	if _, err := n.js.Publish(topic, payload, nats.MsgId(id), nats.Context(ctx)); err != nil {
		return types.Transient("publish "+topic, err)
	}
	n.feed.Broadcast(types.Message{ID: id, Topic: topic, Data: payload, Attempt: 1, Published: time.Now().UTC()})
	return nil
}

// Subscribe binds a durable queue consumer to topic. Each delivery is handled
// on its own goroutine, bounded by the adapter's concurrency limit. The
// consumer has no server-side BackOff: that would shrink AckWait to the first
// backoff step. Failed deliveries are delayed by NakWithDelay instead.
func (n *NATS) Subscribe(_ context.Context, topic string, h types.Handler) (types.Subscription, error) {
	if err := n.ensureSubject(topic); err != nil {
		return nil, err
	}
	durable := n.cfg.Topics.Durable(topic)
	policy := n.cfg.Policy

	if err := n.ensureConsumer(topic, durable, policy); err != nil {
		return nil, err
	}

	sub := &natsSub{topic: topic}
	js, err := n.js.QueueSubscribe(topic, durable, func(m *nats.Msg) {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			// Deliveries queued behind the semaphore are kept alive too.
			stop := n.keepAlive(m)
			defer stop()
			if err := n.sem.Acquire(n.ctx, 1); err != nil {
				return
			}
			defer n.sem.Release(1)
			n.deliver(m, h, policy, stop)
		}()
	},
		nats.Bind(n.cfg.Topics.Stream(), durable),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, types.Transient("subscribe "+topic, err)
	}
	sub.sub = js

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	n.logger.Info("subscribed", zap.String("topic", topic), zap.String("durable", durable))
	return sub, nil
}

// ensureConsumer creates or updates the durable push consumer for topic.
// Creating it here rather than through QueueSubscribe keeps the client from
// deleting it on Drain, so pending messages survive a restart.
func (n *NATS) ensureConsumer(topic, durable string, policy *RetryPolicy) error {
	stream := n.cfg.Topics.Stream()
	cfg := &nats.ConsumerConfig{
		Durable:        durable,
		DeliverGroup:   durable,
		FilterSubject:  topic,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        n.cfg.AckWait,
		MaxDeliver:     policy.MaxAttempts,
		MaxAckPending:  int(n.cfg.MaxConcurrent) * 2,
		DeliverPolicy:  nats.DeliverAllPolicy,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		DeliverSubject: nats.NewInbox(),
	}
	info, err := n.js.ConsumerInfo(stream, durable)
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		if _, err := n.js.AddConsumer(stream, cfg); err != nil {
			return types.Transient("nats add consumer "+durable, err)
		}
	case err != nil:
		return types.Transient("nats consumer info "+durable, err)
	default:
		// Consumers from older releases carried a BackOff that capped AckWait.
		cfg.DeliverSubject = info.Config.DeliverSubject
		if _, err := n.js.UpdateConsumer(stream, cfg); err != nil {
			return types.Transient("nats update consumer "+durable, err)
		}
	}
	return nil
}

// keepAlive sends in-progress acks for m until the returned stop is called.
func (n *NATS) keepAlive(m *nats.Msg) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(n.cfg.AckWait / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := m.InProgress(); err != nil {
					n.logger.Debug("in-progress ack failed", zap.String("topic", m.Subject), zap.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (n *NATS) deliver(m *nats.Msg, h types.Handler, policy *RetryPolicy, stopKeepAlive func()) {
	msg := types.Message{
		ID:      m.Header.Get(nats.MsgIdHdr),
		Topic:   m.Subject,
		Data:    m.Data,
		Attempt: 1,
	}
	if meta, err := m.Metadata(); err == nil {
		msg.Attempt = int(meta.NumDelivered)
		msg.Published = meta.Timestamp
	}

	err := h(n.ctx, msg)
	stopKeepAlive()
	outcome, ackErr := settle(natsAcker{m}, err, msg.Attempt, policy)
	if err != nil {
		n.logger.Warn("handler failed",
			zap.String("topic", msg.Topic),
			zap.String("message_id", msg.ID),
			zap.Int("attempt", msg.Attempt),
			zap.Stringer("outcome", outcome),
			zap.Error(err))
	}
	if ackErr != nil {
		n.logger.Error("ack failed", zap.String("topic", msg.Topic), zap.Stringer("outcome", outcome), zap.Error(ackErr))
	}
}

// Close drains subscriptions, cancels running handlers and waits for them,
// then drains the connection. Unacked deliveries are redelivered later.
func (n *NATS) Close() error {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	// Drain is asynchronous; wait until no callback can start a new handler.
	deadline := time.Now().Add(5 * time.Second)
	for _, s := range subs {
		for s.sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	n.cancel()
	n.wg.Wait()
	if err := n.nc.Drain(); err != nil {
		errs = append(errs, err)
	}
	select {
	case <-n.closed:
	case <-time.After(5 * time.Second):
		errs = append(errs, errors.New("nats: timed out waiting for connection to close"))
	}
	return errors.Join(errs...)
}

type natsSub struct {
	topic string
	sub   *nats.Subscription
}

func (s *natsSub) Topic() string { return s.topic }

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// natsAcker adapts *nats.Msg, whose ack methods take variadic options.
type natsAcker struct{ m *nats.Msg }

func (a natsAcker) Ack() error                         { return a.m.Ack() }
func (a natsAcker) NakWithDelay(d time.Duration) error { return a.m.NakWithDelay(d) }
func (a natsAcker) Term() error                        { return a.m.Term() }

var (
	_ types.Bus = (*NATS)(nil)
	_ types.Bus = (*Local)(nil)
)
