package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/fanout"
	"github.com/mahaj/sitechat/pkg/model"
)

func ids(msgs []model.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestDirectRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")

	sent := f.send(t, c.ID, "alice", "hello")

	page, err := f.messages.History(ctx, c.ID, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Text)
	assert.Equal(t, "alice", page.Messages[0].SenderID)
	assert.False(t, page.HasMore)

	read, err := f.receipts.IsReadByOthers(ctx, sent)
	require.NoError(t, err)
	assert.False(t, read)

	f.clock.Advance(time.Second)
	_, err = f.receipts.MarkRead(ctx, c.ID, "bob", 0)
	require.NoError(t, err)

	read, err = f.receipts.IsReadByOthers(ctx, sent)
	require.NoError(t, err)
	assert.True(t, read)

	msgEvents := f.events.ofType(model.EventMessage)
	require.Len(t, msgEvents, 1)
	assert.Equal(t, fanout.ChannelTopic(c.ID), f.events.topics[0])
	assert.True(t, msgEvents[0].HasRecipient("bob"))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")

	_, err := f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", Text: "   "})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	_, err = f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "mallory", Text: "hi"})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", Text: "hi", Type: "sticker"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	plan := f.upload(t, "alice", "plan.pdf", "application/pdf")
	m, err := f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", AttachmentIDs: []string{plan}})
	require.NoError(t, err)
	assert.Empty(t, m.Text)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, plan, m.Attachments[0].ID)
	assert.Equal(t, "/files/plan.pdf", m.Attachments[0].FileURL)
}

func TestAttachmentsAreOwnedByOneMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	plan := f.upload(t, "alice", "plan.pdf", "application/pdf")
	photo := f.upload(t, "bob", "site.jpg", "image/jpeg")

	_, err := f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", AttachmentIDs: []string{"never-uploaded"}})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	_, err = f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", AttachmentIDs: []string{photo}})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument), "another user's upload")

	_, err = f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", AttachmentIDs: []string{plan, plan}})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	first, err := f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", Text: "plan", AttachmentIDs: []string{plan}, ClientNonce: "n1"})
	require.NoError(t, err)

	again, err := f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", Text: "plan", AttachmentIDs: []string{plan}, ClientNonce: "n1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "a retry with the same nonce is the same message")

	_, err = f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", Text: "again", AttachmentIDs: []string{plan}, ClientNonce: "n2"})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	page, err := f.messages.History(ctx, c.ID, "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
}

func TestClaimIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	plan := f.upload(t, "alice", "plan.pdf", "application/pdf")

	_, err := f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", AttachmentIDs: []string{plan, "missing"}})
	require.Error(t, err)

	m, err := f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", AttachmentIDs: []string{plan}})
	require.NoError(t, err, "a rejected send leaves its valid attachments unbound")
	require.Len(t, m.Attachments, 1)
}

func TestVoiceMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	clip := f.upload(t, "alice", "voice.webm", "audio/webm")
	spare := f.upload(t, "alice", "voice2.webm", "audio/webm")
	photo := f.upload(t, "alice", "x.png", "image/png")

	cases := []SendInput{
		{Text: "caption", AttachmentIDs: []string{clip}},
		{AttachmentIDs: []string{clip, spare}},
		{AttachmentIDs: []string{photo}},
	}
	for _, in := range cases {
		in.ChannelID, in.SenderID, in.Type = c.ID, "alice", model.MessageVoice
		_, err := f.messages.Send(ctx, in)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	}

	m, err := f.messages.Send(ctx, SendInput{ChannelID: c.ID, SenderID: "alice", Type: model.MessageVoice, AttachmentIDs: []string{clip}})
	require.NoError(t, err)
	assert.Equal(t, model.MessageVoice, m.Type)
	assert.Empty(t, m.Text)
	require.Len(t, m.Attachments, 1)
	assert.Contains(t, m.Attachments[0].MimeType, "audio/")

	_, err = f.messages.Edit(ctx, m.ID, "alice", "text")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestReplyMustBeInChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dm := f.direct(t, "alice", "bob")
	other := f.direct(t, "alice", "carol")
	foreign := f.send(t, other.ID, "carol", "elsewhere")
	target := f.send(t, dm.ID, "bob", "question?")

	_, err := f.messages.Send(ctx, SendInput{ChannelID: dm.ID, SenderID: "alice", Text: "re", ReplyToMessageID: &foreign.ID})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	missing := int64(42)
	_, err = f.messages.Send(ctx, SendInput{ChannelID: dm.ID, SenderID: "alice", Text: "re", ReplyToMessageID: &missing})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	reply, err := f.messages.Send(ctx, SendInput{ChannelID: dm.ID, SenderID: "alice", Text: "answer", ReplyToMessageID: &target.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "question?", reply.ReplyTo.Text)

	require.NoError(t, f.messages.Delete(ctx, target.ID, "bob"))
	page, err := f.messages.History(ctx, dm.ID, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.NotNil(t, page.Messages[0].ReplyTo)
	assert.True(t, page.Messages[0].ReplyTo.Deleted)
	assert.Empty(t, page.Messages[0].ReplyTo.Text)

	again, err := f.messages.Send(ctx, SendInput{ChannelID: dm.ID, SenderID: "alice", Text: "still works", ReplyToMessageID: &target.ID})
	require.NoError(t, err)
	assert.True(t, again.ReplyTo.Deleted)
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	var all []int64
	for i := 0; i < 25; i++ {
		all = append(all, f.send(t, c.ID, "alice", fmt.Sprintf("m%d", i)).ID)
	}

	first, err := f.messages.History(ctx, c.ID, "bob", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, all[15:], ids(first.Messages))
	assert.True(t, first.HasMore)
	assert.Equal(t, all[15], first.NextCursor)

	second, err := f.messages.History(ctx, c.ID, "bob", first.NextCursor, 10)
	require.NoError(t, err)
	assert.Equal(t, all[5:15], ids(second.Messages))

	repeat, err := f.messages.History(ctx, c.ID, "bob", first.NextCursor, 10)
	require.NoError(t, err)
	assert.Equal(t, ids(second.Messages), ids(repeat.Messages))

	third, err := f.messages.History(ctx, c.ID, "bob", second.NextCursor, 10)
	require.NoError(t, err)
	assert.Equal(t, all[:5], ids(third.Messages))
	assert.False(t, third.HasMore)
}

func TestHistoryUnaffectedByConcurrentSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	var all []int64
	for i := 0; i <= 20; i++ {
		all = append(all, f.send(t, c.ID, "alice", fmt.Sprintf("m%d", i)).ID)
	}

	loaded, err := f.messages.History(ctx, c.ID, "bob", 0, 11)
	require.NoError(t, err)
	assert.Equal(t, all[10:], ids(loaded.Messages))

	f.send(t, c.ID, "alice", "m21")

	older, err := f.messages.History(ctx, c.ID, "bob", loaded.NextCursor, 11)
	require.NoError(t, err)
	assert.Equal(t, all[:10], ids(older.Messages))
	assert.False(t, older.HasMore)
}

func TestHistoryHidesDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	a := f.send(t, c.ID, "alice", "keep")
	b := f.send(t, c.ID, "alice", "oops")

	err := f.messages.Delete(ctx, b.ID, "bob")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
	require.NoError(t, f.messages.Delete(ctx, b.ID, "alice"))
	require.NoError(t, f.messages.Delete(ctx, b.ID, "alice"))

	page, err := f.messages.History(ctx, c.ID, "bob", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids(page.Messages))

	found, err := f.messages.Search(ctx, c.ID, "bob", "OOPS", 0)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = f.messages.Search(ctx, c.ID, "bob", "kee", 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	deletes := f.events.ofType(model.EventMessage)
	var pushed model.Message
	require.NoError(t, deletes[len(deletes)-1].Decode(&pushed))
	assert.NotNil(t, pushed.DeletedAt)
	assert.Empty(t, pushed.Text)
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	m := f.send(t, c.ID, "alice", "pour at 7")

	_, err := f.messages.Edit(ctx, m.ID, "bob", "hijack")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))

	_, err = f.messages.Edit(ctx, m.ID, "alice", "")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	f.clock.Advance(time.Minute)
	edited, err := f.messages.Edit(ctx, m.ID, "alice", "pour at 8")
	require.NoError(t, err)
	assert.Equal(t, "pour at 8", edited.Text)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, f.clock.Now(), *edited.EditedAt)

	require.NoError(t, f.messages.Delete(ctx, m.ID, "alice"))
	_, err = f.messages.Edit(ctx, m.ID, "alice", "again")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestEditWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.messages.opts.EditWindow = 15 * time.Minute
	c := f.direct(t, "alice", "bob")
	m := f.send(t, c.ID, "alice", "draft")

	f.clock.Advance(16 * time.Minute)
	_, err := f.messages.Edit(ctx, m.ID, "alice", "late")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestClientNonceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	in := SendInput{ChannelID: c.ID, SenderID: "alice", Text: "once", ClientNonce: "n-1"}

	first, err := f.messages.Send(ctx, in)
	require.NoError(t, err)
	second, err := f.messages.Send(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	page, err := f.messages.History(ctx, c.ID, "alice", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestReactToggles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	m := f.send(t, c.ID, "alice", "done")

	got, err := f.messages.React(ctx, m.ID, "bob", "👍")
	require.NoError(t, err)
	got, err = f.messages.React(ctx, m.ID, "alice", "👍")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, 2, got.Reactions[0].Count)
	assert.Equal(t, []string{"bob", "alice"}, got.Reactions[0].UserIDs)

	got, err = f.messages.React(ctx, m.ID, "bob", "👍")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, 1, got.Reactions[0].Count)

	_, err = f.messages.React(ctx, m.ID, "bob", " ")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	_, err = f.messages.React(ctx, m.ID, "mallory", "👍")
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestCountUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t, "alice", "bob")
	f.send(t, c.ID, "alice", "a")
	second := f.send(t, c.ID, "alice", "b")
	f.send(t, c.ID, "bob", "mine")
	f.send(t, c.ID, "alice", "c")

	n, err := f.messages.CountUnread(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = f.receipts.MarkRead(ctx, c.ID, "bob", second.ID)
	require.NoError(t, err)
	n, err = f.messages.CountUnread(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
