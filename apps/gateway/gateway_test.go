package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/clock"
	"github.com/mahaj/sitechat/pkg/fanout"
	"github.com/mahaj/sitechat/pkg/model"
	"github.com/mahaj/sitechat/pkg/presence"
	"github.com/mahaj/sitechat/pkg/ratelimit"
	"github.com/mahaj/sitechat/pkg/snowflake"
	"github.com/mahaj/sitechat/pkg/store/memory"
)

type gateway struct {
	url      string
	tokens   *auth.Tokens
	hub      *Hub
	bus      *fanout.Local
	presence *presence.Memory
	registry *chat.Registry
	messages *chat.Messages
}

func newGateway(t *testing.T) *gateway {
	return newGatewayWithClock(t, clock.Real{})
}

func newGatewayWithClock(t *testing.T, c clock.Clock) *gateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st := memory.New()
	bus := fanout.NewLocal()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	deps := chat.Deps{Channels: st, Messages: st, Receipts: st, Events: bus, IDs: node, Clock: clock.Real{}}

	pres := presence.NewMemory()
	hub := NewHub(st, bus, pres, presence.NewTyping(c, 5*time.Second),
		ratelimit.New(rate.Every(time.Hour), 3, time.Minute), zerolog.Nop())
	sub := fanout.NewSubscriber(bus, fanout.AllChannels, hub.Deliver)

	hubDone := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(hubDone)
	}()
	go func() { _ = sub.Run(ctx) }()
	require.Eventually(t, func() bool { return sub.State() == fanout.Subscribed }, 2*time.Second, 5*time.Millisecond)

	tokens := auth.NewTokens("test-secret", time.Hour)
	srv := httptest.NewServer(newWSHandler(ctx, hub, tokens, nil))
	t.Cleanup(func() {
		cancel()
		<-hubDone
		srv.Close()
	})

	return &gateway{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		tokens:   tokens,
		hub:      hub,
		bus:      bus,
		presence: pres,
		registry: chat.NewRegistry(deps),
		messages: chat.NewMessages(deps, chat.MessageOptions{}),
	}
}

func (g *gateway) connect(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	tok, err := g.tokens.Generate(user)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(g.url+"?token="+tok, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return g.hub.Connected(user) > 0 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ model.EventType) model.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev model.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func TestRejectsMissingToken(t *testing.T) {
	g := newGateway(t)
	_, resp, err := websocket.DefaultDialer.Dial(g.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(g.url+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestMessagesReachRecipientsOnly(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	ch, err := g.registry.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	carol := g.connect(t, "carol")

	_, err = g.messages.Send(ctx, chat.SendInput{ChannelID: ch.ID, SenderID: "alice", Text: "pour at 7"})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{alice, bob} {
		ev := next(t, conn, model.EventMessage)
		var m model.Message
		require.NoError(t, ev.Decode(&m))
		assert.Equal(t, "pour at 7", m.Text)
		assert.Empty(t, ev.Recipients)
	}

	require.NoError(t, carol.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	for {
		var ev model.Event
		if err := carol.ReadJSON(&ev); err != nil {
			break
		}
		assert.NotEqual(t, model.EventMessage, ev.Type)
	}
}

func TestPresenceAnnounced(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	_, err := g.registry.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")

	ev := next(t, alice, model.EventPresence)
	var p model.PresencePayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, model.PresencePayload{UserID: "bob", Online: true}, p)
	assert.True(t, g.presence.IsOnline(ctx, "bob"))

	require.NoError(t, bob.Close())
	ev = next(t, alice, model.EventPresence)
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, model.PresencePayload{UserID: "bob", Online: false}, p)
	assert.False(t, g.presence.IsOnline(ctx, "bob"))
}

func TestTypingFrames(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	ch, err := g.registry.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	mallory := g.connect(t, "mallory")

	require.NoError(t, mallory.WriteJSON(inboundFrame{Type: "typing", ChannelID: ch.ID}))
	require.NoError(t, alice.WriteJSON(inboundFrame{Type: "typing", ChannelID: ch.ID}))
	ev := next(t, bob, model.EventTyping)
	var p model.TypingPayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, model.TypingPayload{UserID: "alice", Typing: true}, p)
	assert.Equal(t, ch.ID, ev.ChannelID)

	require.NoError(t, alice.WriteJSON(inboundFrame{Type: "stop_typing", ChannelID: ch.ID}))
	ev = next(t, bob, model.EventTyping)
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, model.TypingPayload{UserID: "alice", Typing: false}, p)
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	g := newGatewayWithClock(t, c)
	ch, err := g.registry.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")

	require.NoError(t, alice.WriteJSON(inboundFrame{Type: "typing", ChannelID: ch.ID}))
	ev := next(t, bob, model.EventTyping)
	var p model.TypingPayload
	require.NoError(t, ev.Decode(&p))
	assert.True(t, p.Typing)

	c.Advance(6 * time.Second)
	ev = next(t, bob, model.EventTyping)
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, model.TypingPayload{UserID: "alice", Typing: false}, p)
}

func TestTypingFramesRateLimited(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := chat.NewRegistry(chat.Deps{Channels: st, Messages: st, Receipts: st, Events: fanout.NewLocal(), IDs: node})
	ch, err := registry.OpenDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	typing := presence.NewTyping(clock.Real{}, time.Minute)
	hub := NewHub(st, fanout.NewLocal(), presence.NewMemory(), typing,
		ratelimit.New(rate.Every(time.Hour), 1, time.Minute), zerolog.Nop())
	alice := &Client{hub: hub, userID: "alice", send: make(chan []byte, 1)}

	hub.handleFrame(ctx, alice, []byte(`{"type":"typing","channelId":"`+ch.ID+`"}`))
	assert.True(t, typing.IsTyping(ch.ID, "alice"))

	hub.handleFrame(ctx, alice, []byte(`{"type":"stop_typing","channelId":"`+ch.ID+`"}`))
	assert.False(t, typing.IsTyping(ch.ID, "alice"))

	hub.handleFrame(ctx, alice, []byte(`{"type":"typing","channelId":"`+ch.ID+`"}`))
	assert.False(t, typing.IsTyping(ch.ID, "alice"), "second typing frame is over the limit")

	hub.handleFrame(ctx, alice, []byte(`not json`))
	hub.handleFrame(ctx, alice, []byte(`{"type":"typing"}`))
}
