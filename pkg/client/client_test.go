package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/clock"
	"github.com/mahaj/sitechat/pkg/model"
	"github.com/mahaj/sitechat/pkg/snowflake"
	"github.com/mahaj/sitechat/pkg/store/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// server is the chat core running in-process; events it publishes are
// collected for delivery to controllers under test.
type server struct {
	clock    *clock.Manual
	registry *chat.Registry
	messages *chat.Messages
	receipts *chat.Receipts
	store    *memory.Store

	mu     sync.Mutex
	events []model.Event
}

func (s *server) Publish(_ context.Context, _ string, ev model.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *server) drain() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

func newServer(t *testing.T) *server {
	t.Helper()
	clk := clock.NewManual(t0)
	node, err := snowflake.NewNodeWithClock(1, clk)
	require.NoError(t, err)
	st := memory.New()
	srv := &server{clock: clk, store: st}
	d := chat.Deps{Channels: st, Messages: st, Receipts: st, Uploads: st, Events: srv, IDs: node, Clock: clk}
	srv.registry = chat.NewRegistry(d)
	srv.messages = chat.NewMessages(d, chat.MessageOptions{PageSize: 5, MaxPageSize: 50})
	srv.receipts = chat.NewReceipts(d)
	return srv
}

// backend adapts server to Backend as one user would see it over HTTP.
type backend struct {
	srv *server
	me  string

	mu          sync.Mutex
	uploadErr   error
	sendErr     error
	userErr     error
	uploads     [][]LocalFile
	sends       []SendRequest
	historyGate chan struct{}
}

func (b *backend) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	return b.srv.registry.GetChannel(ctx, id, b.me)
}

func (b *backend) ListMembers(ctx context.Context, id string) ([]model.ChannelMember, error) {
	return b.srv.registry.ListMembers(ctx, id, b.me)
}

func (b *backend) History(ctx context.Context, id string, cursor int64, limit int) (*chat.Page, error) {
	b.mu.Lock()
	gate := b.historyGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return b.srv.messages.History(ctx, id, b.me, cursor, limit)
}

func (b *backend) Send(ctx context.Context, id string, req SendRequest) (*model.Message, error) {
	b.mu.Lock()
	b.sends = append(b.sends, req)
	err := b.sendErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.srv.messages.Send(ctx, chat.SendInput{
		ChannelID:        id,
		SenderID:         b.me,
		Text:             req.Text,
		Type:             req.MessageType,
		AttachmentIDs:    attachmentIDs(req.Attachments),
		ReplyToMessageID: req.ReplyToMessageID,
		ClientNonce:      req.ClientNonce,
	})
}

func (b *backend) Edit(ctx context.Context, id int64, text string) (*model.Message, error) {
	return b.srv.messages.Edit(ctx, id, b.me, text)
}

func (b *backend) Delete(ctx context.Context, id int64) error {
	return b.srv.messages.Delete(ctx, id, b.me)
}

func (b *backend) React(ctx context.Context, id int64, emoji string) (*model.Message, error) {
	return b.srv.messages.React(ctx, id, b.me, emoji)
}

func (b *backend) MarkRead(ctx context.Context, id string, messageID int64) (*model.ReadReceipt, error) {
	return b.srv.receipts.MarkRead(ctx, id, b.me, messageID)
}

func (b *backend) Receipts(ctx context.Context, id string) ([]model.ReadReceipt, error) {
	return b.srv.receipts.Receipts(ctx, id, b.me)
}

func attachmentIDs(atts []model.Attachment) []string {
	ids := make([]string, len(atts))
	for i, a := range atts {
		ids[i] = a.ID
	}
	return ids
}

func (b *backend) Upload(ctx context.Context, files []LocalFile) ([]model.Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, files)
	if b.uploadErr != nil {
		return nil, b.uploadErr
	}
	out := make([]model.Attachment, len(files))
	for i, f := range files {
		id := uuid.NewString()
		out[i] = model.Attachment{ID: id, FileURL: "/files/" + id + "/" + f.Name, FileName: f.Name, MimeType: f.MimeType, FileSize: int64(len(f.Data))}
	}
	if err := b.srv.store.RecordUploads(ctx, b.me, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *backend) User(_ context.Context, id string) (*model.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.userErr != nil {
		return nil, b.userErr
	}
	return &model.User{ID: id, Name: "User " + id}, nil
}

type typingLog struct {
	mu     sync.Mutex
	frames []bool
	err    error
}

func (l *typingLog) SendTyping(_ string, typing bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, typing)
	return l.err
}

func (l *typingLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

type harness struct {
	srv    *server
	api    *backend
	typing *typingLog
	ctrl   *Controller
}

func newHarness(t *testing.T, srv *server, me string) *harness {
	t.Helper()
	api := &backend{srv: srv, me: me}
	tl := &typingLog{}
	ctrl := NewController(api, tl, Options{UserID: me, PageSize: 5, Clock: srv.clock})
	return &harness{srv: srv, api: api, typing: tl, ctrl: ctrl}
}

// deliver pushes every pending server event to the given controllers.
func deliver(srv *server, ctrls ...*Controller) {
	for _, ev := range srv.drain() {
		for _, c := range ctrls {
			if ev.HasRecipient(c.me) {
				c.HandleEvent(ev)
			}
		}
	}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func seed(t *testing.T, srv *server, channelID, sender string, msgs ...string) {
	t.Helper()
	for _, text := range msgs {
		_, err := srv.messages.Send(context.Background(), chat.SendInput{ChannelID: channelID, SenderID: sender, Text: text})
		require.NoError(t, err)
		srv.clock.Advance(time.Second)
	}
}

func openDirect(t *testing.T, srv *server, a, b string) string {
	t.Helper()
	c, err := srv.registry.OpenDirect(context.Background(), a, b)
	require.NoError(t, err)
	return c.ID
}

var errDown = apperr.Unavailable("upload failed", errors.New("connection reset"))

func chatGroup(name string, members ...string) chat.CreateGroupInput {
	return chat.CreateGroupInput{Name: name, MemberIDs: members}
}
