// Package client is the chat window: an explicit Store of what the user
// sees and a Controller that drives it from user actions and pushed events.
// Network calls never run under the store lock.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/attach"
	"github.com/mahaj/sitechat/pkg/clock"
	"github.com/mahaj/sitechat/pkg/model"
	"github.com/mahaj/sitechat/pkg/presence"
)

const defaultTypingThrottle = 3 * time.Second

type Options struct {
	UserID   string
	PageSize int
	// TypingThrottle is the minimum gap between typing frames.
	TypingThrottle time.Duration
	TypingWindow   time.Duration
	Upload         attach.Limits
	Clock          clock.Clock
}

type Controller struct {
	api    Backend
	typer  TypingSender
	me     string
	clock  clock.Clock
	log    zerolog.Logger
	limit  int
	gap    time.Duration
	limits attach.Limits

	mu         sync.Mutex
	store      *Store
	lastTyping time.Time
	users      map[string]*model.User
}

func NewController(api Backend, typer TypingSender, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = defaultTypingThrottle
	}
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = presence.DefaultTypingWindow
	}
	return &Controller{
		api:    api,
		typer:  typer,
		me:     opts.UserID,
		clock:  opts.Clock,
		log:    log.With().Str("component", "chat-view").Str("user_id", opts.UserID).Logger(),
		limit:  opts.PageSize,
		gap:    opts.TypingThrottle,
		limits: opts.Upload,
		store:  NewStore(opts.Clock, opts.TypingWindow, opts.Upload),
		users:  make(map[string]*model.User),
	}
}

// Open loads a channel, its members, the newest history page and the
// other members' receipts, then marks the channel read.
func (c *Controller) Open(ctx context.Context, channelID string) error {
	ch, err := c.api.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	members, err := c.api.ListMembers(ctx, channelID)
	if err != nil {
		return err
	}
	page, err := c.api.History(ctx, channelID, 0, c.limit)
	if err != nil {
		return err
	}
	receipts, err := c.api.Receipts(ctx, channelID)
	if err != nil {
		c.log.Warn().Err(err).Str("channel_id", channelID).Msg("load receipts")
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}

	c.mu.Lock()
	c.store.reset(ch, ids)
	c.store.applyPage(page)
	c.store.markSeen(ch.ID, c.store.latestID())
	for _, r := range receipts {
		c.store.receipts[r.UserID] = r
	}
	c.mu.Unlock()

	if err := c.MarkRead(ctx); err != nil {
		c.log.Debug().Err(err).Str("channel_id", channelID).Msg("mark read on open")
	}
	return nil
}

// LoadOlder fetches the page before the oldest loaded message. It does
// nothing while a load is in flight or when history is exhausted.
func (c *Controller) LoadOlder(ctx context.Context) error {
	c.mu.Lock()
	s := c.store
	if s.channel == nil || s.loadingOlder || !s.hasMore {
		c.mu.Unlock()
		return nil
	}
	s.loadingOlder = true
	channelID, cursor := s.channel.ID, s.oldest
	c.mu.Unlock()

	page, err := c.api.History(ctx, channelID, cursor, c.limit)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.channelID() != channelID {
		return nil
	}
	s.loadingOlder = false
	if err != nil {
		return err
	}
	s.applyPage(page)
	return nil
}

// StageFiles adds files to the next send. Nothing is staged if any file
// fails validation.
func (c *Controller) StageFiles(files ...LocalFile) ([]StagedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	added, err := c.store.uploads.Stage(files...)
	if err != nil {
		return nil, err
	}
	out := make([]StagedFile, len(added))
	for i, f := range added {
		out[i] = *f
	}
	return out, nil
}

func (c *Controller) UnstageFile(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.uploads.Remove(id)
}

// TickUploads advances the simulated progress of uploads in flight.
func (c *Controller) TickUploads() {
	c.mu.Lock()
	c.store.uploads.Tick()
	c.mu.Unlock()
}

func (c *Controller) StagedFiles() []StagedFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.uploads.Files()
}

// Send posts text plus any staged files as one message. The message shows
// immediately as pending and is replaced by the server copy on success.
// On failure it stays in the list as failed and can be retried.
func (c *Controller) Send(ctx context.Context, text string) (*model.Message, error) {
	c.mu.Lock()
	s := c.store
	if s.channel == nil {
		c.mu.Unlock()
		return nil, apperr.InvalidArgument("no channel open")
	}
	if text == "" && s.uploads.Len() == 0 {
		c.mu.Unlock()
		return nil, apperr.InvalidArgument("message is empty")
	}
	channelID := s.channel.ID
	req := SendRequest{Text: text, MessageType: model.MessageText, ClientNonce: uuid.NewString()}
	optimistic := model.Message{
		ChannelID: channelID,
		SenderID:  c.me,
		Text:      text,
		Type:      model.MessageText,
		CreatedAt: c.clock.Now(),
	}
	if s.replyTo != nil {
		id := s.replyTo.ID
		req.ReplyToMessageID = &id
		optimistic.ReplyToMessageID = &id
		optimistic.ReplyTo = s.replyTo.Preview()
	}
	// A channel switch replaces the staging area; this send keeps its own.
	up := s.uploads
	batch := up.Begin()
	s.addPending(optimistic, req)
	s.sending = true
	c.mu.Unlock()

	if len(batch) > 0 {
		atts, err := c.api.Upload(ctx, batch)
		c.mu.Lock()
		if err != nil {
			// The files stay staged as failed; the next Send retries them.
			up.Fail()
			s.dropPending(req.ClientNonce)
			s.sending = false
			c.mu.Unlock()
			return nil, err
		}
		up.Complete(atts)
		// The attachments now belong to this message only, including its
		// retries.
		req.Attachments = up.Take()
		if p := s.pendingFor(req.ClientNonce); p != nil {
			p.req = req
			p.msg.Attachments = req.Attachments
		}
		c.mu.Unlock()
	}

	return c.deliver(ctx, channelID, req)
}

// Retry resends a failed message under its original nonce.
func (c *Controller) Retry(ctx context.Context, nonce string) (*model.Message, error) {
	c.mu.Lock()
	p := c.store.pendingFor(nonce)
	if p == nil || p.status != StatusFailed {
		c.mu.Unlock()
		return nil, apperr.NotFound("no failed message to retry")
	}
	p.status = StatusSending
	c.store.sending = true
	channelID, req := p.msg.ChannelID, p.req
	c.mu.Unlock()

	return c.deliver(ctx, channelID, req)
}

func (c *Controller) deliver(ctx context.Context, channelID string, req SendRequest) (*model.Message, error) {
	msg, err := c.api.Send(ctx, channelID, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.store
	s.sending = false
	if err != nil {
		c.failPending(req.ClientNonce)
		return nil, err
	}
	s.merge(*msg)
	if req.ReplyToMessageID != nil && s.replyTo != nil && s.replyTo.ID == *req.ReplyToMessageID {
		s.replyTo = nil
	}
	c.lastTyping = time.Time{}
	return msg, nil
}

func (c *Controller) failPending(nonce string) {
	c.store.sending = false
	if p := c.store.pendingFor(nonce); p != nil {
		p.status = StatusFailed
	}
}

func (c *Controller) sendVoice(ctx context.Context, r *Recording) (*model.Message, error) {
	mt, ext, err := VoiceContainer(r.MimeType)
	if err != nil {
		return nil, err
	}
	channelID := c.ChannelID()
	if channelID == "" {
		return nil, apperr.InvalidArgument("no channel open")
	}
	file := LocalFile{Name: "voice-" + uuid.NewString()[:8] + ext, MimeType: mt, Data: r.Data}
	if err := attach.ValidateFile(attach.FileInfo{Name: file.Name, MimeType: mt, Size: int64(len(r.Data))}, c.limits); err != nil {
		return nil, err
	}
	atts, err := c.api.Upload(ctx, []LocalFile{file})
	if err != nil {
		return nil, err
	}
	msg, err := c.api.Send(ctx, channelID, SendRequest{
		Attachments: atts,
		MessageType: model.MessageVoice,
		ClientNonce: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.store.merge(*msg)
	c.mu.Unlock()
	return msg, nil
}

// SetReply targets a loaded message for the next send.
func (c *Controller) SetReply(messageID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.store.find(messageID)
	if i < 0 {
		return apperr.NotFound("message not loaded")
	}
	m := c.store.messages[i]
	c.store.replyTo = &m
	return nil
}

func (c *Controller) ClearReply() {
	c.mu.Lock()
	c.store.replyTo = nil
	c.mu.Unlock()
}

func (c *Controller) ReplyTarget() *model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store.replyTo == nil {
		return nil
	}
	m := *c.store.replyTo
	return &m
}

// React toggles the user's emoji on a message.
func (c *Controller) React(ctx context.Context, messageID int64, emoji string) error {
	msg, err := c.api.React(ctx, messageID, emoji)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.store.merge(*msg)
	c.mu.Unlock()
	return nil
}

func (c *Controller) Edit(ctx context.Context, messageID int64, text string) error {
	msg, err := c.api.Edit(ctx, messageID, text)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.store.merge(*msg)
	c.mu.Unlock()
	return nil
}

func (c *Controller) Delete(ctx context.Context, messageID int64) error {
	if err := c.api.Delete(ctx, messageID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.store.find(messageID); i >= 0 {
		m := c.store.messages[i]
		now := c.clock.Now()
		m.DeletedAt = &now
		c.store.merge(m)
	}
	return nil
}

// KeyPress reports typing to the gateway at most once per throttle gap.
// Failures are logged and otherwise ignored.
func (c *Controller) KeyPress() {
	c.mu.Lock()
	channelID := c.store.channelID()
	now := c.clock.Now()
	if channelID == "" || c.typer == nil || (!c.lastTyping.IsZero() && now.Sub(c.lastTyping) < c.gap) {
		c.mu.Unlock()
		return
	}
	c.lastTyping = now
	c.mu.Unlock()

	if err := c.typer.SendTyping(channelID, true); err != nil {
		c.log.Debug().Err(err).Msg("send typing")
	}
}

// StopTyping is called on blur or after the composer empties.
func (c *Controller) StopTyping() {
	c.mu.Lock()
	channelID := c.store.channelID()
	wasTyping := !c.lastTyping.IsZero()
	c.lastTyping = time.Time{}
	c.mu.Unlock()

	if channelID == "" || c.typer == nil || !wasTyping {
		return
	}
	if err := c.typer.SendTyping(channelID, false); err != nil {
		c.log.Debug().Err(err).Msg("send stop typing")
	}
}

// HandleEvent applies a pushed event. Unknown or malformed events are
// ignored.
func (c *Controller) HandleEvent(ev model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.store
	current := ev.ChannelID == s.channelID()

	switch ev.Type {
	case model.EventMessage:
		var m model.Message
		if err := ev.Decode(&m); err != nil {
			c.log.Debug().Err(err).Msg("bad message event")
			return
		}
		if !current {
			s.countUnread(m, c.me)
			return
		}
		s.merge(m)
		s.typing.Stop(m.ChannelID, m.SenderID)

	case model.EventTyping:
		var p model.TypingPayload
		if err := ev.Decode(&p); err != nil || p.UserID == c.me || !current {
			return
		}
		if p.Typing {
			s.typing.Start(ev.ChannelID, p.UserID)
		} else {
			s.typing.Stop(ev.ChannelID, p.UserID)
		}

	case model.EventPresence:
		var p model.PresencePayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		if p.Online {
			s.online[p.UserID] = true
		} else {
			delete(s.online, p.UserID)
			s.typing.StopUser(p.UserID)
		}

	case model.EventRead:
		var p model.ReadPayload
		if err := ev.Decode(&p); err != nil || !current || p.UserID == c.me {
			return
		}
		if old, ok := s.receipts[p.UserID]; ok && old.LastReadAt.After(p.LastReadAt) {
			return
		}
		s.receipts[p.UserID] = model.ReadReceipt{
			ChannelID:         ev.ChannelID,
			UserID:            p.UserID,
			LastReadAt:        p.LastReadAt,
			LastReadMessageID: p.LastReadMessageID,
		}

	case model.EventMember:
		var p model.MemberPayload
		if err := ev.Decode(&p); err != nil || !current {
			return
		}
		switch p.Action {
		case model.MemberAdded:
			s.setMember(p.UserID, true)
		case model.MemberRemoved:
			s.setMember(p.UserID, false)
			delete(s.receipts, p.UserID)
		case model.ChannelClosed:
			now := ev.Timestamp
			s.channel.ArchivedAt = &now
		}
	}
}

// MarkRead records that the user has seen everything loaded.
func (c *Controller) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	channelID, latest := c.store.channelID(), c.store.latestID()
	c.mu.Unlock()
	if channelID == "" {
		return nil
	}
	if _, err := c.api.MarkRead(ctx, channelID, latest); err != nil {
		return err
	}
	c.mu.Lock()
	c.store.unread[channelID] = 0
	c.mu.Unlock()
	return nil
}

// IsRead reports whether every other member has read msg.
func (c *Controller) IsRead(msg model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.IsReadByOthers(&msg, c.store.members, c.store.receipts)
}

// TypingUsers returns who else is typing in the open channel.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, id := range c.store.typing.Active(c.store.channelID()) {
		if id != c.me {
			out = append(out, id)
		}
	}
	return out
}

// PartnerInfo returns the directory entry of the other participant of a
// direct channel. Lookup failures yield nil.
func (c *Controller) PartnerInfo(ctx context.Context) *model.User {
	c.mu.Lock()
	s := c.store
	var partner string
	if s.channel != nil && s.channel.Type == model.ChannelDirect {
		for _, id := range s.members {
			if id != c.me {
				partner = id
				break
			}
		}
	}
	cached := c.users[partner]
	c.mu.Unlock()

	if partner == "" {
		return nil
	}
	if cached != nil {
		return cached
	}
	u, err := c.api.User(ctx, partner)
	if err != nil {
		c.log.Debug().Err(err).Str("partner_id", partner).Msg("user directory lookup")
		return nil
	}
	c.mu.Lock()
	c.users[partner] = u
	c.mu.Unlock()
	return u
}

func (c *Controller) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.channelID()
}

func (c *Controller) Channel() *model.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store.channel == nil {
		return nil
	}
	ch := *c.store.channel
	return &ch
}

func (c *Controller) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.entries()
}

func (c *Controller) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.store.members...)
}

func (c *Controller) Unread(channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.unread[channelID]
}

func (c *Controller) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.online[userID]
}

func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.hasMore
}

func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.sending
}
