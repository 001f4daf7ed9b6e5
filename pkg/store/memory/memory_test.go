package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/model"
)

var (
	_ chat.ChannelRepository    = (*Store)(nil)
	_ chat.MessageRepository    = (*Store)(nil)
	_ chat.ReceiptRepository    = (*Store)(nil)
	_ chat.AttachmentRepository = (*Store)(nil)
)

func seedChannel(t *testing.T, s *Store, id string, users ...string) {
	t.Helper()
	now := time.Now().UTC()
	members := make([]model.ChannelMember, len(users))
	for i, u := range users {
		members[i] = model.ChannelMember{ChannelID: id, UserID: u, JoinedAt: now}
	}
	require.NoError(t, s.CreateChannel(context.Background(), &model.Channel{ID: id, Type: model.ChannelGroup, CreatedAt: now}, members))
}

func TestChannelMembers(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedChannel(t, s, "g1", "a", "b")

	err := s.CreateChannel(ctx, &model.Channel{ID: "g1"}, nil)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	c, err := s.GetChannel(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.MemberCount)

	assert.True(t, apperr.Is(s.AddMember(ctx, model.ChannelMember{ChannelID: "g1", UserID: "a"}), apperr.CodeConflict))
	require.NoError(t, s.AddMember(ctx, model.ChannelMember{ChannelID: "g1", UserID: "c"}))
	require.NoError(t, s.RemoveMember(ctx, "g1", "a"))
	assert.True(t, apperr.Is(s.RemoveMember(ctx, "g1", "a"), apperr.CodeNotFound))

	c, err = s.GetChannel(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.MemberCount)

	chans, err := s.ListChannelsForUser(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, chans)

	c.Name = "renamed"
	c.MemberCount = 99
	require.NoError(t, s.UpdateChannel(ctx, c))
	c, err = s.GetChannel(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", c.Name)
	assert.Equal(t, 2, c.MemberCount)
}

func TestListBeforeOrdersNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []int64{5, 1, 3, 4, 2} {
		require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: id, ChannelID: "c", SenderID: "a", Text: "x"}))
	}
	require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: 9, ChannelID: "other", SenderID: "a", Text: "x"}))

	got, err := s.ListBefore(ctx, "c", 5, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{4, 3, 2}, []int64{got[0].ID, got[1].ID, got[2].ID})

	n, err := s.CountAfter(ctx, "c", 2, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStoredMessagesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := &model.Message{ID: 1, ChannelID: "c", Text: "orig", Attachments: []model.Attachment{{FileName: "a"}}}
	require.NoError(t, s.CreateMessage(ctx, m))
	m.Text = "mutated"
	m.Attachments[0].FileName = "b"

	got, err := s.GetMessage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "orig", got.Text)
	assert.Equal(t, "a", got.Attachments[0].FileName)
}

func TestReactionsAndReceipts(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: 1, ChannelID: "c", Text: "x"}))

	r := model.Reaction{MessageID: 1, UserID: "a", Emoji: "🔥"}
	require.NoError(t, s.AddReaction(ctx, r))
	assert.True(t, apperr.Is(s.AddReaction(ctx, r), apperr.CodeConflict))
	rows, err := s.ListReactions(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Len(t, rows[1], 1)
	require.NoError(t, s.RemoveReaction(ctx, 1, "a", "🔥"))
	assert.True(t, apperr.Is(s.RemoveReaction(ctx, 1, "a", "🔥"), apperr.CodeNotFound))

	_, err = s.GetReceipt(ctx, "c", "a")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	require.NoError(t, s.PutReceipt(ctx, model.ReadReceipt{ChannelID: "c", UserID: "a", LastReadMessageID: 1}))
	rec, err := s.GetReceipt(ctx, "c", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.LastReadMessageID)
}

func TestUploadLedger(t *testing.T) {
	ctx := context.Background()
	s := New()
	plan := model.Attachment{ID: "a1", FileURL: "/files/a1/plan.pdf", FileName: "plan.pdf"}
	require.NoError(t, s.RecordUploads(ctx, "alice", []model.Attachment{plan}))
	assert.True(t, apperr.Is(s.RecordUploads(ctx, "bob", []model.Attachment{plan}), apperr.CodeConflict))

	_, err := s.ClaimUploads(ctx, "bob", []string{"a1"}, 7)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	got, err := s.ClaimUploads(ctx, "alice", []string{"a1"}, 7)
	require.NoError(t, err)
	assert.Equal(t, []model.Attachment{plan}, got)
	_, err = s.ClaimUploads(ctx, "alice", []string{"a1"}, 8)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	// Only the owning message can release.
	require.NoError(t, s.ReleaseUploads(ctx, []string{"a1"}, 8))
	_, err = s.ClaimUploads(ctx, "alice", []string{"a1"}, 8)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	require.NoError(t, s.ReleaseUploads(ctx, []string{"a1"}, 7))
	_, err = s.ClaimUploads(ctx, "alice", []string{"a1"}, 8)
	require.NoError(t, err)
}
