package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/sitechat/pkg/model"
)

type collector struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *collector) handle(_ context.Context, _ string, ev model.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) last() model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func testEvent(t *testing.T, channelID string) model.Event {
	t.Helper()
	ev, err := model.NewEvent(model.EventTyping, channelID, []string{"u1", "u2"}, model.TypingPayload{UserID: "u1", Typing: true})
	require.NoError(t, err)
	return ev
}

func runSubscriber(t *testing.T, s *Subscriber) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestChannelTopic(t *testing.T) {
	topic := ChannelTopic("dm:a:b")
	assert.Equal(t, "chat.channel.dm:a:b", topic)

	id, ok := ChannelFromTopic(topic)
	assert.True(t, ok)
	assert.Equal(t, "dm:a:b", id)

	_, ok = ChannelFromTopic("chat.channel.")
	assert.False(t, ok)
	_, ok = ChannelFromTopic("maintenance.acme")
	assert.False(t, ok)
}

func TestEncodeDecode(t *testing.T) {
	ev := testEvent(t, "c1")
	payload, err := Encode(ev)
	require.NoError(t, err)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.ChannelID, got.ChannelID)
	assert.Equal(t, []string{"u1", "u2"}, got.Recipients)
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte("not msgpack at all"))
	assert.Error(t, err)

	empty, err := Encode(model.Event{})
	require.NoError(t, err)
	_, err = Decode(empty)
	assert.Error(t, err)
}

func TestSubscriberDeliversAndSurvivesMalformed(t *testing.T) {
	b := NewLocal()
	var got collector
	s := NewSubscriber(b, AllChannels, got.handle)
	runSubscriber(t, s)

	require.Eventually(t, func() bool { return s.State() == Subscribed }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.PublishRaw(ChannelTopic("c1"), []byte{0xc1, 0xff}))
	require.NoError(t, b.Publish(context.Background(), ChannelTopic("c1"), testEvent(t, "c1")))
	require.NoError(t, b.Publish(context.Background(), "maintenance.acme", testEvent(t, "c2")))

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "c1", got.last().ChannelID)
	assert.Equal(t, Subscribed, s.State())
}

func TestSubscriberRecoversFromHandlerPanic(t *testing.T) {
	b := NewLocal()
	var got collector
	calls := 0
	s := NewSubscriber(b, AllChannels, func(ctx context.Context, topic string, ev model.Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		got.handle(ctx, topic, ev)
	})
	runSubscriber(t, s)
	require.Eventually(t, func() bool { return s.State() == Subscribed }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), ChannelTopic("c1"), testEvent(t, "c1")))
	require.NoError(t, b.Publish(context.Background(), ChannelTopic("c2"), testEvent(t, "c2")))

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "c2", got.last().ChannelID)
}

func TestSubscriberResubscribesAfterBrokerLoss(t *testing.T) {
	b := NewLocal()
	var got collector
	s := NewSubscriber(b, AllChannels, got.handle, WithBackoff(time.Millisecond, 5*time.Millisecond))
	states := s.Watch()
	runSubscriber(t, s)

	require.Eventually(t, func() bool { return s.State() == Subscribed }, time.Second, time.Millisecond)

	b.Disconnect(2)

	var seen []State
	timeout := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != Subscribed || len(seen) < 4 {
		select {
		case st := <-states:
			seen = append(seen, st)
		case <-timeout:
			t.Fatalf("no resubscribe, saw %v", seen)
		}
	}
	assert.Contains(t, seen, Disconnected)

	require.NoError(t, b.Publish(context.Background(), ChannelTopic("c1"), testEvent(t, "c1")))
	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
}

func TestSubscriberStopsOnCancel(t *testing.T) {
	b := NewLocal()
	s := NewSubscriber(b, AllChannels, func(context.Context, string, model.Event) {})
	cancel := runSubscriber(t, s)
	require.Eventually(t, func() bool { return s.State() == Subscribed }, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return s.State() == Disconnected }, time.Second, time.Millisecond)
}

type recordingPublisher struct {
	topic string
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ model.Event) error {
	p.topic = topic
	return p.err
}

func TestEmitSwallowsErrors(t *testing.T) {
	p := &recordingPublisher{err: errors.New("broker down")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() { Emit(ctx, p, testEvent(t, "c9")) })
	assert.Equal(t, "chat.channel.c9", p.topic)
	assert.NotPanics(t, func() { Emit(ctx, nil, testEvent(t, "c9")) })
}

func TestLocalClosed(t *testing.T) {
	b := NewLocal()
	require.NoError(t, b.Close())
	_, err := b.Subscribe(context.Background(), AllChannels)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), ChannelTopic("c1"), testEvent(t, "c1")), ErrClosed)
}

func TestRedisBroadcaster(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = b.Close() })

	var got collector
	s := NewSubscriber(b, AllChannels, got.handle)
	runSubscriber(t, s)
	require.Eventually(t, func() bool { return s.State() == Subscribed }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), ChannelTopic("grp-1"), testEvent(t, "grp-1")))
	mr.Publish(ChannelTopic("grp-1"), "garbage")

	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	ev := got.last()
	assert.Equal(t, model.EventTyping, ev.Type)
	assert.True(t, ev.HasRecipient("u2"))
}

func TestKafkaSubscribeWithoutBrokers(t *testing.T) {
	k := NewKafka(nil, "chat-events")
	_, err := k.Subscribe(context.Background(), AllChannels)
	assert.Error(t, err)
}
