package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/fanout"
	"github.com/mahaj/sitechat/pkg/metrics"
	"github.com/mahaj/sitechat/pkg/model"
	"github.com/mahaj/sitechat/pkg/presence"
	"github.com/mahaj/sitechat/pkg/ratelimit"
)

const sweepEvery = time.Second

// Hub tracks the websocket clients of this gateway by user and pushes
// broker events to the ones named as recipients. Typing state is local to
// the gateway the typist is connected to.
type Hub struct {
	users      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	channels chat.ChannelRepository
	events   fanout.Publisher
	presence presence.Presence
	typing   *presence.Typing
	limiter  *ratelimit.Keyed
	log      zerolog.Logger

	// background tracks presence and typing announcements.
	background sync.WaitGroup
}

func NewHub(channels chat.ChannelRepository, events fanout.Publisher, pres presence.Presence, typing *presence.Typing, limiter *ratelimit.Keyed, log zerolog.Logger) *Hub {
	return &Hub{
		users:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		channels:   channels,
		events:     events,
		presence:   pres,
		typing:     typing,
		limiter:    limiter,
		log:        log,
	}
}

// Run owns registration until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.background.Wait()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			if h.users[c.userID] == nil {
				h.users[c.userID] = make(map[*Client]bool)
			}
			h.users[c.userID][c] = true
			h.mu.Unlock()
			metrics.GatewayConnections.Inc()
			h.log.Debug().Str("user_id", c.userID).Msg("client registered")

			if h.presence.Connect(ctx, c.userID) {
				h.async(ctx, func(ctx context.Context) { h.announcePresence(ctx, c.userID, true) })
			}

		case c := <-h.unregister:
			h.mu.Lock()
			clients, ok := h.users[c.userID]
			if !ok || !clients[c] {
				h.mu.Unlock()
				continue
			}
			delete(clients, c)
			close(c.send)
			last := len(clients) == 0
			if last {
				delete(h.users, c.userID)
			}
			h.mu.Unlock()
			metrics.GatewayConnections.Dec()
			h.log.Debug().Str("user_id", c.userID).Msg("client unregistered")

			if last {
				for _, channelID := range h.typing.StopUser(c.userID) {
					h.async(ctx, func(ctx context.Context) { h.announceTyping(ctx, channelID, c.userID, false) })
				}
			}
			if h.presence.Disconnect(ctx, c.userID) {
				h.async(ctx, func(ctx context.Context) { h.announcePresence(ctx, c.userID, false) })
			}

		case <-sweep.C:
			for _, e := range h.typing.Sweep() {
				h.async(ctx, func(ctx context.Context) { h.announceTyping(ctx, e.ChannelID, e.UserID, false) })
			}
		}
	}
}

func (h *Hub) async(ctx context.Context, fn func(context.Context)) {
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, clients := range h.users {
		for c := range clients {
			close(c.send)
			metrics.GatewayConnections.Dec()
			h.presence.Disconnect(context.Background(), userID)
		}
		delete(h.users, userID)
	}
}

// Deliver is the broker handler: it pushes ev to every local connection of
// each recipient. A connection whose buffer is full is dropped; the client
// reconciles through history when it reconnects.
func (h *Hub) Deliver(_ context.Context, _ string, ev model.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		metrics.FanoutDropped.WithLabelValues("encode").Inc()
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range ev.Recipients {
		for c := range h.users[userID] {
			select {
			case c.send <- frame:
				metrics.FanoutDelivered.Inc()
			default:
				metrics.FanoutDropped.WithLabelValues("slow_client").Inc()
				h.log.Warn().Str("user_id", userID).Msg("dropping slow client")
				c.drop()
			}
		}
	}
}

// Connected reports how many local connections userID has.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

type inboundFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

// handleFrame applies a client frame. Only typing frames are accepted;
// anything else is ignored.
func (h *Hub) handleFrame(ctx context.Context, c *Client, raw []byte) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.ChannelID == "" {
		return
	}
	switch f.Type {
	case "typing":
		if !h.limiter.Allow(c.userID) {
			return
		}
		if !h.isMember(ctx, f.ChannelID, c.userID) {
			return
		}
		if h.typing.Start(f.ChannelID, c.userID) {
			h.announceTyping(ctx, f.ChannelID, c.userID, true)
		}
	case "stop_typing":
		if h.typing.Stop(f.ChannelID, c.userID) {
			h.announceTyping(ctx, f.ChannelID, c.userID, false)
		}
	}
}

func (h *Hub) isMember(ctx context.Context, channelID, userID string) bool {
	if _, err := h.channels.GetMember(ctx, channelID, userID); err != nil {
		h.log.Debug().Err(err).Str("channel_id", channelID).Str("user_id", userID).Msg("typing rejected")
		return false
	}
	return true
}

func (h *Hub) members(ctx context.Context, channelID string) []string {
	members, err := h.channels.ListMembers(ctx, channelID)
	if err != nil {
		h.log.Warn().Err(err).Str("channel_id", channelID).Msg("list members")
		return nil
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids
}

func (h *Hub) announceTyping(ctx context.Context, channelID, userID string, typing bool) {
	h.emit(ctx, model.EventTyping, channelID, h.members(ctx, channelID), model.TypingPayload{UserID: userID, Typing: typing})
}

// announcePresence tells everyone sharing a channel with userID.
func (h *Hub) announcePresence(ctx context.Context, userID string, online bool) {
	channels, err := h.channels.ListChannelsForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("list channels for presence")
		return
	}
	for _, c := range channels {
		h.emit(ctx, model.EventPresence, c.ID, h.members(ctx, c.ID), model.PresencePayload{UserID: userID, Online: online})
	}
}

func (h *Hub) emit(ctx context.Context, typ model.EventType, channelID string, recipients []string, payload any) {
	if len(recipients) == 0 {
		return
	}
	ev, err := model.NewEvent(typ, channelID, recipients, payload)
	if err != nil {
		h.log.Error().Err(err).Msg("build event")
		return
	}
	fanout.Emit(ctx, h.events, ev)
}
