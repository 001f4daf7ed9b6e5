package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/model"
)

const maxGroupName = 100

// ChannelSummary is one row of a user's channel list.
type ChannelSummary struct {
	model.Channel
	UnreadCount int `json:"unreadCount"`
	// PartnerID is the other participant of a direct channel.
	PartnerID string `json:"partnerId,omitempty"`
}

type CreateGroupInput struct {
	Name      string
	Avatar    string
	MemberIDs []string
}

type Registry struct {
	d Deps
}

func NewRegistry(d Deps) *Registry {
	return &Registry{d: d}
}

// ListChannels returns the user's channels, most recent activity first.
func (r *Registry) ListChannels(ctx context.Context, userID string) ([]ChannelSummary, error) {
	channels, err := r.d.Channels.ListChannelsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	sort.SliceStable(channels, func(i, j int) bool {
		if channels[i].LastActivityAt.Equal(channels[j].LastActivityAt) {
			return channels[i].ID < channels[j].ID
		}
		return channels[i].LastActivityAt.After(channels[j].LastActivityAt)
	})

	out := make([]ChannelSummary, 0, len(channels))
	for _, c := range channels {
		members, err := r.d.memberIDs(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		unread, err := r.d.unread(ctx, c.ID, userID)
		if err != nil {
			return nil, err
		}
		s := ChannelSummary{Channel: present(c, members), UnreadCount: unread}
		if c.Type == model.ChannelDirect {
			s.PartnerID = partnerOf(userID, members)
		}
		out = append(out, s)
	}
	return out, nil
}

// GetChannel returns the channel if userID is a member.
func (r *Registry) GetChannel(ctx context.Context, channelID, userID string) (*model.Channel, error) {
	c, err := r.d.authorize(ctx, channelID, userID)
	if err != nil {
		return nil, err
	}
	members, err := r.d.memberIDs(ctx, channelID)
	if err != nil {
		return nil, err
	}
	out := present(*c, members)
	return &out, nil
}

func (r *Registry) ListMembers(ctx context.Context, channelID, userID string) ([]model.ChannelMember, error) {
	if _, err := r.d.authorize(ctx, channelID, userID); err != nil {
		return nil, err
	}
	return r.d.Channels.ListMembers(ctx, channelID)
}

// CreateGroup creates a group channel. The creator is always a member.
func (r *Registry) CreateGroup(ctx context.Context, creatorID string, in CreateGroupInput) (*model.Channel, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.InvalidArgument("group name is required")
	}
	if len([]rune(name)) > maxGroupName {
		return nil, apperr.InvalidArgument("group name is too long")
	}

	now := r.d.now()
	ids := []string{creatorID}
	seen := map[string]bool{creatorID: true}
	for _, id := range in.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if !model.ValidUserID(id) {
			return nil, apperr.InvalidArgument("invalid user id " + id)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	c := &model.Channel{
		ID:             uuid.NewString(),
		Type:           model.ChannelGroup,
		Name:           name,
		Avatar:         in.Avatar,
		OwnerID:        creatorID,
		MemberCount:    len(ids),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	members := make([]model.ChannelMember, len(ids))
	for i, id := range ids {
		members[i] = model.ChannelMember{ChannelID: c.ID, UserID: id, JoinedAt: now}
	}
	if err := r.d.Channels.CreateChannel(ctx, c, members); err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	for _, id := range ids[1:] {
		r.d.emit(ctx, model.EventMember, c.ID, ids, model.MemberPayload{UserID: id, Action: model.MemberAdded})
	}
	return c, nil
}

// OpenDirect returns the direct channel between two users, creating it on
// first use. userA == userB yields the caller's self channel.
func (r *Registry) OpenDirect(ctx context.Context, userA, userB string) (*model.Channel, error) {
	userB = strings.TrimSpace(userB)
	if userB == "" {
		return nil, apperr.InvalidArgument("user id is required")
	}
	if !model.ValidUserID(userA) || !model.ValidUserID(userB) {
		return nil, apperr.InvalidArgument("invalid user id")
	}
	id := model.DirectChannelID(userA, userB)

	c, err := r.d.Channels.GetChannel(ctx, id)
	if apperr.Is(err, apperr.CodeNotFound) {
		c, err = r.createDirect(ctx, id, userA, userB)
	}
	if err != nil {
		return nil, err
	}
	members, err := r.d.memberIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	out := present(*c, members)
	return &out, nil
}

func (r *Registry) createDirect(ctx context.Context, id, owner, other string) (*model.Channel, error) {
	now := r.d.now()
	members := []model.ChannelMember{{ChannelID: id, UserID: owner, JoinedAt: now}}
	if other != owner {
		members = append(members, model.ChannelMember{ChannelID: id, UserID: other, JoinedAt: now})
	}
	c := &model.Channel{
		ID:             id,
		Type:           model.ChannelDirect,
		OwnerID:        owner,
		MemberCount:    len(members),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	err := r.d.Channels.CreateChannel(ctx, c, members)
	if apperr.Is(err, apperr.CodeConflict) {
		// the other side opened it first
		return r.d.Channels.GetChannel(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create direct channel: %w", err)
	}
	return c, nil
}

// AddMember adds userID to a group channel on behalf of actorID.
func (r *Registry) AddMember(ctx context.Context, channelID, actorID, userID string) error {
	if !model.ValidUserID(userID) {
		return apperr.InvalidArgument("invalid user id")
	}
	c, err := r.rosterChange(ctx, channelID, actorID, userID)
	if err != nil {
		return err
	}
	err = r.d.Channels.AddMember(ctx, model.ChannelMember{ChannelID: c.ID, UserID: userID, JoinedAt: r.d.now()})
	if err != nil {
		if apperr.Is(err, apperr.CodeConflict) {
			return apperr.Conflict("user is already a member")
		}
		return fmt.Errorf("add member: %w", err)
	}

	if ids, err := r.d.memberIDs(ctx, c.ID); err == nil {
		r.d.emit(ctx, model.EventMember, c.ID, ids, model.MemberPayload{UserID: userID, Action: model.MemberAdded})
	}
	return nil
}

// RemoveMember removes userID from a group channel. A member may remove
// themselves; the last member cannot leave.
func (r *Registry) RemoveMember(ctx context.Context, channelID, actorID, userID string) error {
	c, err := r.rosterChange(ctx, channelID, actorID, userID)
	if err != nil {
		return err
	}
	ids, err := r.d.memberIDs(ctx, c.ID)
	if err != nil {
		return err
	}
	if !contains(ids, userID) {
		return apperr.Conflict("user is not a member")
	}
	if len(ids) == 1 {
		return apperr.InvalidArgument("cannot remove the last member")
	}
	if err := r.d.Channels.RemoveMember(ctx, c.ID, userID); err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return apperr.Conflict("user is not a member")
		}
		return fmt.Errorf("remove member: %w", err)
	}

	// the removed user still hears about it
	r.d.emit(ctx, model.EventMember, c.ID, ids, model.MemberPayload{UserID: userID, Action: model.MemberRemoved})
	return nil
}

func (r *Registry) rosterChange(ctx context.Context, channelID, actorID, userID string) (*model.Channel, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.InvalidArgument("user id is required")
	}
	c, err := r.d.authorize(ctx, channelID, actorID)
	if err != nil {
		return nil, err
	}
	if c.Type != model.ChannelGroup {
		return nil, apperr.InvalidArgument("only group channels change members")
	}
	if c.Archived() {
		return nil, apperr.InvalidArgument("channel is archived")
	}
	return c, nil
}

// Archive closes the channel. Channels are never hard-deleted.
func (r *Registry) Archive(ctx context.Context, channelID, userID string) (*model.Channel, error) {
	c, err := r.d.authorize(ctx, channelID, userID)
	if err != nil {
		return nil, err
	}
	if c.Archived() {
		return c, nil
	}
	now := r.d.now()
	c.ArchivedAt = &now
	if err := r.d.Channels.UpdateChannel(ctx, c); err != nil {
		return nil, fmt.Errorf("archive channel: %w", err)
	}
	if ids, err := r.d.memberIDs(ctx, c.ID); err == nil {
		r.d.emit(ctx, model.EventMember, c.ID, ids, model.MemberPayload{UserID: userID, Action: model.ChannelClosed})
	}
	return c, nil
}

// present reports self channels with their derived type.
func present(c model.Channel, memberIDs []string) model.Channel {
	if model.IsSelf(&c, memberIDs) {
		c.Type = model.ChannelSelf
	}
	return c
}

func partnerOf(userID string, memberIDs []string) string {
	for _, id := range memberIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
