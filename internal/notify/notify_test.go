package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-automation/internal/automation"
)

type recordingSink struct {
	name   string
	err    error
	mu     sync.Mutex
	events []Event
	closed bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func failedExecution() automation.Execution {
	return automation.Execution{
		ID: "e1", RuleID: "r1", Owner: "alice", State: automation.StateFailed, Attempt: 3,
		Failure:   &automation.Failure{Reason: automation.ReasonRejected, Message: "insufficient funds", CompletedSteps: 1},
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestFromExecution(t *testing.T) {
	ev := FromExecution(failedExecution())
	assert.Equal(t, EventExecution, ev.Type)
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, "partially_filled", ev.Outcome)
	assert.Equal(t, "rejected", ev.Reason)
	assert.Equal(t, 3, ev.Attempt)
	assert.True(t, ev.FilledSize.IsZero())

	ok := automation.Execution{ID: "e2", State: automation.StateConfirmed, Result: &automation.Result{
		FilledSize: decimal.RequireFromString("0.5"), AvgPrice: decimal.NewFromInt(2000),
	}}
	ev = FromExecution(ok)
	assert.Equal(t, "filled", ev.Outcome)
	assert.True(t, ev.AvgPrice.Equal(decimal.NewFromInt(2000)))
}

func TestFromTWAP(t *testing.T) {
	ev := FromTWAP(automation.TWAPOrder{ID: "p1", Status: automation.TWAPPartiallyFilled, FilledSize: decimal.NewFromInt(3)})
	assert.Equal(t, EventTWAP, ev.Type)
	assert.Equal(t, "partially_filled", ev.Outcome)

	ev = FromTWAP(automation.TWAPOrder{ID: "p2", Status: automation.TWAPCancelled})
	assert.Equal(t, "failed", ev.Outcome)
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	good := &recordingSink{name: "good"}
	fan := Fanout{bad, good}

	err := fan.Notify(context.Background(), FromExecution(failedExecution()))
	assert.Error(t, err)
	assert.Equal(t, 1, good.count())

	require.NoError(t, fan.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(sink, 2, nil)
	for i := 0; i < 5; i++ {
		d.Notify(Event{ID: "x"})
	}
	assert.Len(t, d.events, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	assert.Equal(t, 2, sink.count())
	assert.True(t, sink.closed)

	d.Notify(Event{ID: "late"})
	assert.Equal(t, 2, sink.count())
}

func TestDispatcherDeliversAsync(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(sink, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(finished)
	}()

	d.Notify(Event{ID: "a"})
	d.Notify(Event{ID: "b"})
	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-finished
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func (f *fakePublisher) Close() error { return nil }

func TestRedisSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := newRedisSink(pub, "")
	require.NoError(t, sink.Notify(context.Background(), FromExecution(failedExecution())))
	assert.Equal(t, "automation:executions", pub.channel)

	var ev Event
	require.NoError(t, json.Unmarshal(pub.payload, &ev))
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "rejected", ev.Reason)

	pub.err = errors.New("conn reset")
	assert.Error(t, sink.Notify(context.Background(), Event{ID: "e2"}))
}

type fakeChannel struct {
	key string
	msg amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.key = key
	f.msg = msg
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestRabbitMQSinkPublishesPersistent(t *testing.T) {
	ch := &fakeChannel{}
	sink := &RabbitMQSink{ch: ch, queue: "automation.executions"}
	require.NoError(t, sink.Notify(context.Background(), Event{ID: "e9"}))
	assert.Equal(t, "automation.executions", ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "e9", ch.msg.MessageId)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	require.NoError(t, sink.Close())
}
