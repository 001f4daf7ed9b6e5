package chat

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/metrics"
	"github.com/mahaj/sitechat/pkg/model"
)

const (
	maxTextLength = 5000
	maxEmojiBytes = 32
)

type MessageOptions struct {
	PageSize       int
	MaxPageSize    int
	MaxAttachments int
	// EditWindow bounds how long after sending a message may be edited.
	// Zero means no limit.
	EditWindow time.Duration
}

func (o *MessageOptions) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = 30
	}
	if o.MaxPageSize < o.PageSize {
		o.MaxPageSize = 100
	}
	if o.MaxAttachments <= 0 {
		o.MaxAttachments = 10
	}
}

type SendInput struct {
	ChannelID        string
	SenderID         string
	Text             string
	Type             model.MessageType
	// AttachmentIDs name files the sender uploaded earlier. Each is bound
	// to this message and cannot be sent again.
	AttachmentIDs    []string
	ReplyToMessageID *int64
	ClientNonce      string
}

// Page is one slice of history in chronological order. NextCursor is the
// cursor for the following older page.
type Page struct {
	Messages   []model.Message `json:"messages"`
	HasMore    bool            `json:"hasMore"`
	NextCursor int64           `json:"nextCursor,omitempty"`
}

type Messages struct {
	d    Deps
	opts MessageOptions
}

func NewMessages(d Deps, opts MessageOptions) *Messages {
	opts.defaults()
	return &Messages{d: d, opts: opts}
}

// Send durably stores a message and then fans it out. Fan-out failures
// never fail the send.
func (s *Messages) Send(ctx context.Context, in SendInput) (*model.Message, error) {
	if err := s.validateSend(&in); err != nil {
		return nil, err
	}

	c, err := s.d.authorize(ctx, in.ChannelID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if c.Archived() {
		return nil, apperr.InvalidArgument("channel is archived")
	}

	if in.ClientNonce != "" {
		prev, err := s.d.Messages.FindByNonce(ctx, c.ID, in.SenderID, in.ClientNonce)
		if err == nil {
			return s.hydrateOne(ctx, prev)
		}
		if !apperr.Is(err, apperr.CodeNotFound) {
			return nil, fmt.Errorf("find by nonce: %w", err)
		}
	}

	if in.ReplyToMessageID != nil {
		target, err := s.d.Messages.GetMessage(ctx, *in.ReplyToMessageID)
		if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
			return nil, fmt.Errorf("get reply target: %w", err)
		}
		if err != nil || target.ChannelID != c.ID {
			return nil, apperr.NotFound("reply target not found in this channel")
		}
	}

	now := s.d.now()
	m := &model.Message{
		ID:               s.d.IDs.Generate(),
		ChannelID:        c.ID,
		SenderID:         in.SenderID,
		Text:             in.Text,
		Type:             in.Type,
		CreatedAt:        now,
		ReplyToMessageID: in.ReplyToMessageID,
		Attachments:      []model.Attachment{},
		ClientNonce:      in.ClientNonce,
	}
	if len(in.AttachmentIDs) > 0 {
		atts, err := s.claim(ctx, in, m.ID)
		if err != nil {
			if prev := s.sentBefore(ctx, c.ID, in, err); prev != nil {
				return s.hydrateOne(ctx, prev)
			}
			return nil, err
		}
		m.Attachments = atts
	}
	if err := s.d.Messages.CreateMessage(ctx, m); err != nil {
		s.release(ctx, in.AttachmentIDs, m.ID)
		return nil, fmt.Errorf("create message: %w", err)
	}
	metrics.MessagesSent.Inc()

	if err := s.d.Channels.Touch(ctx, c.ID, now); err != nil {
		log.Warn().Err(err).Str("channel_id", c.ID).Msg("update last activity failed")
	}

	out, err := s.hydrateOne(ctx, m)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

func (s *Messages) validateSend(in *SendInput) error {
	in.Text = strings.TrimSpace(in.Text)
	if len([]rune(in.Text)) > maxTextLength {
		return apperr.InvalidArgument("message text is too long")
	}
	if in.Type == "" {
		in.Type = model.MessageText
	}
	if len(in.AttachmentIDs) > s.opts.MaxAttachments {
		return apperr.InvalidArgument(fmt.Sprintf("at most %d attachments per message", s.opts.MaxAttachments))
	}
	seen := make(map[string]bool, len(in.AttachmentIDs))
	for _, id := range in.AttachmentIDs {
		if id == "" {
			return apperr.InvalidArgument("attachment id is required")
		}
		if seen[id] {
			return apperr.InvalidArgument("attachment listed twice")
		}
		seen[id] = true
	}

	switch in.Type {
	case model.MessageText:
		if in.Text == "" && len(in.AttachmentIDs) == 0 {
			return apperr.InvalidArgument("message needs text or an attachment")
		}
	case model.MessageVoice:
		if in.Text != "" {
			return apperr.InvalidArgument("voice messages carry no text")
		}
		if len(in.AttachmentIDs) != 1 {
			return apperr.InvalidArgument("voice messages carry exactly one attachment")
		}
	default:
		return apperr.InvalidArgument(fmt.Sprintf("unknown message type %q", in.Type))
	}
	return nil
}

// claim binds the uploaded attachments to messageID. Voice messages need
// the stored file to be audio.
func (s *Messages) claim(ctx context.Context, in SendInput, messageID int64) ([]model.Attachment, error) {
	if s.d.Uploads == nil {
		return nil, apperr.InvalidArgument("attachments are not accepted")
	}
	atts, err := s.d.Uploads.ClaimUploads(ctx, in.SenderID, in.AttachmentIDs, messageID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			return nil, fmt.Errorf("claim attachments: %w", err)
		}
		return nil, err
	}
	if in.Type == model.MessageVoice && !strings.HasPrefix(atts[0].MimeType, "audio/") {
		s.release(ctx, in.AttachmentIDs, messageID)
		return nil, apperr.InvalidArgument("voice attachment must be audio")
	}
	return atts, nil
}

// sentBefore returns the message of a concurrent send with the same nonce
// when that send already owns the attachments.
func (s *Messages) sentBefore(ctx context.Context, channelID string, in SendInput, claimErr error) *model.Message {
	if in.ClientNonce == "" || !apperr.Is(claimErr, apperr.CodeConflict) {
		return nil
	}
	prev, err := s.d.Messages.FindByNonce(ctx, channelID, in.SenderID, in.ClientNonce)
	if err != nil {
		return nil
	}
	return prev
}

func (s *Messages) release(ctx context.Context, ids []string, messageID int64) {
	if len(ids) == 0 || s.d.Uploads == nil {
		return
	}
	if err := s.d.Uploads.ReleaseUploads(ctx, ids, messageID); err != nil {
		log.Warn().Err(err).Int64("message_id", messageID).Msg("release attachments failed")
	}
}

// Edit replaces the text of a message. Only the sender may edit.
func (s *Messages) Edit(ctx context.Context, messageID int64, editorID, text string) (*model.Message, error) {
	m, err := s.own(ctx, messageID, editorID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if m.Type == model.MessageVoice {
		return nil, apperr.InvalidArgument("voice messages cannot be edited")
	}
	if text == "" && len(m.Attachments) == 0 {
		return nil, apperr.InvalidArgument("message needs text or an attachment")
	}
	if len([]rune(text)) > maxTextLength {
		return nil, apperr.InvalidArgument("message text is too long")
	}
	now := s.d.now()
	if s.opts.EditWindow > 0 && now.Sub(m.CreatedAt) > s.opts.EditWindow {
		return nil, apperr.Forbidden("edit window has passed")
	}

	m.Text = text
	m.EditedAt = &now
	if err := s.d.Messages.UpdateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	out, err := s.hydrateOne(ctx, m)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

// Delete soft-deletes a message. Deleting twice is a no-op.
func (s *Messages) Delete(ctx context.Context, messageID int64, requesterID string) error {
	m, err := s.d.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.d.authorize(ctx, m.ChannelID, requesterID); err != nil {
		return err
	}
	if m.SenderID != requesterID {
		return apperr.Forbidden("only the sender can delete a message")
	}
	if m.Deleted() {
		return nil
	}
	now := s.d.now()
	m.DeletedAt = &now
	if err := s.d.Messages.UpdateMessage(ctx, m); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.publish(ctx, redact(*m))
	return nil
}

// own loads a live message that senderID sent.
func (s *Messages) own(ctx context.Context, messageID int64, senderID string) (*model.Message, error) {
	m, err := s.d.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.d.authorize(ctx, m.ChannelID, senderID); err != nil {
		return nil, err
	}
	if m.SenderID != senderID {
		return nil, apperr.Forbidden("only the sender can edit a message")
	}
	if m.Deleted() {
		return nil, apperr.NotFound("message was deleted")
	}
	return m, nil
}

// History returns the page of messages strictly older than cursor, in
// chronological order. cursor <= 0 asks for the newest page. Deleted
// messages are skipped but still advance the cursor, so pages never
// overlap and a message sent meanwhile never shifts an older page.
func (s *Messages) History(ctx context.Context, channelID, userID string, cursor int64, limit int) (*Page, error) {
	if _, err := s.d.authorize(ctx, channelID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	if limit > s.opts.MaxPageSize {
		limit = s.opts.MaxPageSize
	}
	before := cursor
	if before <= 0 {
		before = math.MaxInt64
	}

	raw, err := s.d.Messages.ListBefore(ctx, channelID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	page := &Page{Messages: make([]model.Message, 0, len(raw)), HasMore: len(raw) == limit}
	if len(raw) > 0 {
		page.NextCursor = raw[len(raw)-1].ID
	}
	for i := len(raw) - 1; i >= 0; i-- {
		if !raw[i].Deleted() {
			page.Messages = append(page.Messages, raw[i])
		}
	}
	if err := s.hydrate(ctx, page.Messages); err != nil {
		return nil, err
	}
	return page, nil
}

// CountUnread counts messages from others after the user's last read one.
func (s *Messages) CountUnread(ctx context.Context, channelID, userID string) (int, error) {
	if _, err := s.d.authorize(ctx, channelID, userID); err != nil {
		return 0, err
	}
	return s.d.unread(ctx, channelID, userID)
}

// React toggles userID's emoji on a message.
func (s *Messages) React(ctx context.Context, messageID int64, userID, emoji string) (*model.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return nil, apperr.InvalidArgument("invalid emoji")
	}
	m, err := s.d.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.d.authorize(ctx, m.ChannelID, userID); err != nil {
		return nil, err
	}
	if m.Deleted() {
		return nil, apperr.NotFound("message was deleted")
	}

	err = s.d.Messages.AddReaction(ctx, model.Reaction{MessageID: m.ID, UserID: userID, Emoji: emoji, CreatedAt: s.d.now()})
	if apperr.Is(err, apperr.CodeConflict) {
		err = s.d.Messages.RemoveReaction(ctx, m.ID, userID, emoji)
		if apperr.Is(err, apperr.CodeNotFound) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}

	out, err := s.hydrateOne(ctx, m)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

// Search finds live messages containing query, newest first.
func (s *Messages) Search(ctx context.Context, channelID, userID, query string, limit int) ([]model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.InvalidArgument("search query is required")
	}
	if _, err := s.d.authorize(ctx, channelID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.opts.MaxPageSize {
		limit = s.opts.PageSize
	}
	found, err := s.d.Messages.Search(ctx, channelID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	if err := s.hydrate(ctx, found); err != nil {
		return nil, err
	}
	return found, nil
}

func (s *Messages) hydrateOne(ctx context.Context, m *model.Message) (*model.Message, error) {
	out := []model.Message{*m}
	if err := s.hydrate(ctx, out); err != nil {
		return nil, err
	}
	return &out[0], nil
}

// hydrate fills reactions and reply previews in place.
func (s *Messages) hydrate(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	byID := make(map[int64]*model.Message, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
		byID[msgs[i].ID] = &msgs[i]
	}
	reactions, err := s.d.Messages.ListReactions(ctx, ids)
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}

	for i := range msgs {
		m := &msgs[i]
		m.Reactions = model.GroupReactions(reactions[m.ID])
		if m.Attachments == nil {
			m.Attachments = []model.Attachment{}
		}
		if m.ReplyToMessageID == nil {
			continue
		}
		rid := *m.ReplyToMessageID
		if t, ok := byID[rid]; ok {
			m.ReplyTo = t.Preview()
			continue
		}
		t, err := s.d.Messages.GetMessage(ctx, rid)
		switch {
		case err == nil:
			m.ReplyTo = t.Preview()
		case apperr.Is(err, apperr.CodeNotFound):
			m.ReplyTo = &model.ReplyPreview{ID: rid, Deleted: true}
		default:
			return fmt.Errorf("get reply target: %w", err)
		}
	}
	return nil
}

func (s *Messages) publish(ctx context.Context, m *model.Message) {
	ids, err := s.d.memberIDs(ctx, m.ChannelID)
	if err != nil {
		log.Warn().Err(err).Str("channel_id", m.ChannelID).Msg("skip fanout, members unavailable")
		return
	}
	s.d.emit(ctx, model.EventMessage, m.ChannelID, ids, m)
}

// redact strips content from a deleted message before it leaves the server.
func redact(m model.Message) *model.Message {
	m.Text = ""
	m.Attachments = []model.Attachment{}
	m.Reactions = []model.ReactionGroup{}
	return &m
}
