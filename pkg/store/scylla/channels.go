package scylla

import (
	"context"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/model"
)

const channelColumns = `id, type, name, avatar, owner_id, member_count, created_at, last_activity_at, archived_at`

func scanChannel(scan func(dest ...interface{}) error) (*model.Channel, error) {
	var c model.Channel
	var typ string
	if err := scan(&c.ID, &typ, &c.Name, &c.Avatar, &c.OwnerID, &c.MemberCount, &c.CreatedAt, &c.LastActivityAt, &c.ArchivedAt); err != nil {
		return nil, err
	}
	c.Type = model.ChannelType(typ)
	return &c, nil
}

func (st *Store) CreateChannel(ctx context.Context, c *model.Channel, members []model.ChannelMember) error {
	applied, err := st.s.Query(`INSERT INTO channels (`+channelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		c.ID, string(c.Type), c.Name, c.Avatar, c.OwnerID, len(members), c.CreatedAt, c.LastActivityAt, c.ArchivedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return dbErr("create channel", err, "")
	}
	if !applied {
		return apperr.Conflict("channel already exists")
	}

	b := st.s.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, m := range members {
		b.Query(`INSERT INTO channel_members (channel_id, user_id, joined_at) VALUES (?, ?, ?)`, m.ChannelID, m.UserID, m.JoinedAt)
		b.Query(`INSERT INTO user_channels (user_id, channel_id) VALUES (?, ?)`, m.UserID, m.ChannelID)
	}
	if err := st.s.ExecuteBatch(b); err != nil {
		return dbErr("add channel members", err, "")
	}
	return nil
}

func (st *Store) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	q := st.s.Query(`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id).WithContext(ctx)
	c, err := scanChannel(q.Scan)
	if err != nil {
		return nil, dbErr("get channel", err, "channel not found")
	}
	return c, nil
}

// UpdateChannel writes the mutable channel fields. member_count is owned
// by the roster operations.
func (st *Store) UpdateChannel(ctx context.Context, c *model.Channel) error {
	err := st.s.Query(`UPDATE channels SET name = ?, avatar = ?, last_activity_at = ?, archived_at = ? WHERE id = ?`,
		c.Name, c.Avatar, c.LastActivityAt, c.ArchivedAt, c.ID,
	).WithContext(ctx).Exec()
	if err != nil {
		return dbErr("update channel", err, "")
	}
	return nil
}

func (st *Store) Touch(ctx context.Context, channelID string, at time.Time) error {
	if err := st.s.Query(`UPDATE channels SET last_activity_at = ? WHERE id = ?`, at, channelID).WithContext(ctx).Exec(); err != nil {
		return dbErr("touch channel", err, "")
	}
	return nil
}

func (st *Store) ListMembers(ctx context.Context, channelID string) ([]model.ChannelMember, error) {
	iter := st.s.Query(`SELECT user_id, joined_at FROM channel_members WHERE channel_id = ?`, channelID).WithContext(ctx).Iter()
	var out []model.ChannelMember
	m := model.ChannelMember{ChannelID: channelID}
	for iter.Scan(&m.UserID, &m.JoinedAt) {
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, dbErr("list members", err, "")
	}
	return out, nil
}

func (st *Store) GetMember(ctx context.Context, channelID, userID string) (*model.ChannelMember, error) {
	m := model.ChannelMember{ChannelID: channelID, UserID: userID}
	err := st.s.Query(`SELECT joined_at FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID).
		WithContext(ctx).Scan(&m.JoinedAt)
	if err != nil {
		return nil, dbErr("get member", err, "member not found")
	}
	return &m, nil
}

func (st *Store) AddMember(ctx context.Context, m model.ChannelMember) error {
	applied, err := st.s.Query(`INSERT INTO channel_members (channel_id, user_id, joined_at) VALUES (?, ?, ?) IF NOT EXISTS`,
		m.ChannelID, m.UserID, m.JoinedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return dbErr("add member", err, "")
	}
	if !applied {
		return apperr.Conflict("already a member")
	}
	if err := st.s.Query(`INSERT INTO user_channels (user_id, channel_id) VALUES (?, ?)`, m.UserID, m.ChannelID).WithContext(ctx).Exec(); err != nil {
		return dbErr("index member", err, "")
	}
	return st.recount(ctx, m.ChannelID)
}

func (st *Store) RemoveMember(ctx context.Context, channelID, userID string) error {
	applied, err := st.s.Query(`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ? IF EXISTS`, channelID, userID).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return dbErr("remove member", err, "")
	}
	if !applied {
		return apperr.NotFound("member not found")
	}
	if err := st.s.Query(`DELETE FROM user_channels WHERE user_id = ? AND channel_id = ?`, userID, channelID).WithContext(ctx).Exec(); err != nil {
		return dbErr("unindex member", err, "")
	}
	return st.recount(ctx, channelID)
}

func (st *Store) recount(ctx context.Context, channelID string) error {
	var n int
	if err := st.s.Query(`SELECT COUNT(*) FROM channel_members WHERE channel_id = ?`, channelID).WithContext(ctx).Scan(&n); err != nil {
		return dbErr("count members", err, "")
	}
	if err := st.s.Query(`UPDATE channels SET member_count = ? WHERE id = ?`, n, channelID).WithContext(ctx).Exec(); err != nil {
		return dbErr("update member count", err, "")
	}
	return nil
}

func (st *Store) ListChannelsForUser(ctx context.Context, userID string) ([]model.Channel, error) {
	iter := st.s.Query(`SELECT channel_id FROM user_channels WHERE user_id = ?`, userID).WithContext(ctx).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, dbErr("list user channels", err, "")
	}

	out := make([]model.Channel, 0, len(ids))
	for _, id := range ids {
		c, err := st.GetChannel(ctx, id)
		if apperr.Is(err, apperr.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}
