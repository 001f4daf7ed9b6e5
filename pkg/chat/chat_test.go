package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/sitechat/pkg/clock"
	"github.com/mahaj/sitechat/pkg/model"
	"github.com/mahaj/sitechat/pkg/snowflake"
	"github.com/mahaj/sitechat/pkg/store/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	topics []string
	events []model.Event
}

func (l *eventLog) Publish(_ context.Context, topic string, ev model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.topics = append(l.topics, topic)
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ofType(typ model.EventType) []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	clock    *clock.Manual
	store    *memory.Store
	events   *eventLog
	registry *Registry
	messages *Messages
	receipts *Receipts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	node, err := snowflake.NewNodeWithClock(1, clk)
	require.NoError(t, err)
	store := memory.New()
	events := &eventLog{}
	d := Deps{
		Channels: store,
		Messages: store,
		Receipts: store,
		Uploads:  store,
		Events:   events,
		IDs:      node,
		Clock:    clk,
	}
	return &fixture{
		clock:    clk,
		store:    store,
		events:   events,
		registry: NewRegistry(d),
		messages: NewMessages(d, MessageOptions{PageSize: 10, MaxPageSize: 50}),
		receipts: NewReceipts(d),
	}
}

func (f *fixture) direct(t *testing.T, a, b string) *model.Channel {
	t.Helper()
	c, err := f.registry.OpenDirect(context.Background(), a, b)
	require.NoError(t, err)
	return c
}

// upload records a file as uploaded by owner and returns its id.
func (f *fixture) upload(t *testing.T, owner, name, mimeType string) string {
	t.Helper()
	id := "att-" + name
	a := model.Attachment{ID: id, FileURL: "/files/" + name, FileName: name, MimeType: mimeType, FileSize: 2048}
	require.NoError(t, f.store.RecordUploads(context.Background(), owner, []model.Attachment{a}))
	return id
}

func (f *fixture) send(t *testing.T, channelID, sender, text string) *model.Message {
	t.Helper()
	f.clock.Advance(time.Second)
	m, err := f.messages.Send(context.Background(), SendInput{ChannelID: channelID, SenderID: sender, Text: text})
	require.NoError(t, err)
	return m
}
