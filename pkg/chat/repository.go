// Package chat holds the server-side chat services: the channel registry,
// the message store with its history paginator, and read receipts.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/clock"
	"github.com/mahaj/sitechat/pkg/fanout"
	"github.com/mahaj/sitechat/pkg/model"
)

// ChannelRepository persists channels and rosters. Implementations keep
// Channel.MemberCount in step with AddMember and RemoveMember.
type ChannelRepository interface {
	// CreateChannel fails with Conflict when the id is taken.
	CreateChannel(ctx context.Context, c *model.Channel, members []model.ChannelMember) error
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
	UpdateChannel(ctx context.Context, c *model.Channel) error
	Touch(ctx context.Context, channelID string, at time.Time) error
	ListMembers(ctx context.Context, channelID string) ([]model.ChannelMember, error)
	GetMember(ctx context.Context, channelID, userID string) (*model.ChannelMember, error)
	// AddMember fails with Conflict when the user is already a member.
	AddMember(ctx context.Context, m model.ChannelMember) error
	// RemoveMember fails with NotFound when the user is not a member.
	RemoveMember(ctx context.Context, channelID, userID string) error
	ListChannelsForUser(ctx context.Context, userID string) ([]model.Channel, error)
}

// MessageRepository persists messages and reactions. Stored messages keep
// their text after a soft delete.
type MessageRepository interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	UpdateMessage(ctx context.Context, m *model.Message) error
	// ListBefore returns up to limit messages with id < before, newest
	// first, deleted ones included.
	ListBefore(ctx context.Context, channelID string, before int64, limit int) ([]model.Message, error)
	FindByNonce(ctx context.Context, channelID, senderID, nonce string) (*model.Message, error)
	// CountAfter counts live messages with id > after not sent by excludeSender.
	CountAfter(ctx context.Context, channelID string, after int64, excludeSender string) (int, error)
	// Search returns live messages whose text contains query, newest first.
	Search(ctx context.Context, channelID, query string, limit int) ([]model.Message, error)

	// AddReaction fails with Conflict when the row exists.
	AddReaction(ctx context.Context, r model.Reaction) error
	// RemoveReaction fails with NotFound when the row does not exist.
	RemoveReaction(ctx context.Context, messageID int64, userID, emoji string) error
	ListReactions(ctx context.Context, messageIDs []int64) (map[int64][]model.Reaction, error)
}

// AttachmentRepository tracks uploaded files until a message owns them.
// An attachment is bound to at most one message.
type AttachmentRepository interface {
	RecordUploads(ctx context.Context, uploaderID string, atts []model.Attachment) error
	// ClaimUploads binds every id to messageID and returns the stored
	// attachments in order, or binds none. Ids not uploaded by uploaderID
	// fail with InvalidArgument, ids bound to a message with Conflict.
	ClaimUploads(ctx context.Context, uploaderID string, ids []string, messageID int64) ([]model.Attachment, error)
	// ReleaseUploads unbinds ids still bound to messageID.
	ReleaseUploads(ctx context.Context, ids []string, messageID int64) error
}

type ReceiptRepository interface {
	GetReceipt(ctx context.Context, channelID, userID string) (*model.ReadReceipt, error)
	PutReceipt(ctx context.Context, r model.ReadReceipt) error
	ListReceipts(ctx context.Context, channelID string) ([]model.ReadReceipt, error)
}

type IDGenerator interface {
	Generate() int64
}

// Deps are the collaborators shared by the chat services.
type Deps struct {
	Channels ChannelRepository
	Messages MessageRepository
	Receipts ReceiptRepository
	Uploads  AttachmentRepository
	Events   fanout.Publisher
	IDs      IDGenerator
	Clock    clock.Clock
}

func (d *Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now()
}

// authorize loads the channel and checks that userID is on its roster.
func (d *Deps) authorize(ctx context.Context, channelID, userID string) (*model.Channel, error) {
	c, err := d.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if _, err := d.Channels.GetMember(ctx, channelID, userID); err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil, apperr.Forbidden("not a member of this channel")
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return c, nil
}

func (d *Deps) memberIDs(ctx context.Context, channelID string) ([]string, error) {
	members, err := d.Channels.ListMembers(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids, nil
}

// unread counts messages after the user's last read message.
func (d *Deps) unread(ctx context.Context, channelID, userID string) (int, error) {
	var after int64
	r, err := d.Receipts.GetReceipt(ctx, channelID, userID)
	switch {
	case err == nil:
		after = r.LastReadMessageID
	case !apperr.Is(err, apperr.CodeNotFound):
		return 0, fmt.Errorf("get receipt: %w", err)
	}
	return d.Messages.CountAfter(ctx, channelID, after, userID)
}

// emit publishes an event to the channel's members after a durable write.
func (d *Deps) emit(ctx context.Context, typ model.EventType, channelID string, recipients []string, payload any) {
	ev, err := model.NewEvent(typ, channelID, recipients, payload)
	if err != nil {
		return
	}
	ev.Timestamp = d.now()
	fanout.Emit(ctx, d.Events, ev)
}
