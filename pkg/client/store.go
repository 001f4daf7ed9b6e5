package client

import (
	"sort"
	"time"

	"github.com/mahaj/sitechat/pkg/attach"
	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/clock"
	"github.com/mahaj/sitechat/pkg/model"
	"github.com/mahaj/sitechat/pkg/presence"
)

type Status string

const (
	StatusSending Status = "sending"
	StatusFailed  Status = "failed"
	StatusSent    Status = "sent"
)

// Entry is one row of the message list. Optimistic rows have ID 0 until
// the server echoes them back.
type Entry struct {
	model.Message
	Status Status
}

type pendingSend struct {
	nonce  string
	msg    model.Message
	req    SendRequest
	status Status
}

// Store is the window's chat state. It is not safe for concurrent use;
// Controller serialises access to it.
type Store struct {
	channel  *model.Channel
	members  []string
	messages []model.Message
	pending  []*pendingSend

	receipts map[string]model.ReadReceipt
	online   map[string]bool
	typing   *presence.Typing
	unread   map[string]int
	// seen is the newest message id per channel that is either loaded or
	// already counted as unread.
	seen map[string]int64

	replyTo *model.Message
	uploads *Uploads

	oldest       int64
	hasMore      bool
	loadingOlder bool
	sending      bool
}

func NewStore(c clock.Clock, typingWindow time.Duration, limits attach.Limits) *Store {
	return &Store{
		receipts: make(map[string]model.ReadReceipt),
		online:   make(map[string]bool),
		unread:   make(map[string]int),
		seen:     make(map[string]int64),
		typing:   presence.NewTyping(c, typingWindow),
		uploads:  NewUploads(limits),
	}
}

// reset switches the store to a freshly opened channel.
func (s *Store) reset(c *model.Channel, members []string) {
	if s.channel != nil {
		s.markSeen(s.channel.ID, s.latestID())
	}
	s.channel = c
	s.members = members
	s.messages = nil
	s.pending = nil
	s.receipts = make(map[string]model.ReadReceipt)
	s.replyTo = nil
	s.oldest = 0
	s.hasMore = false
	s.loadingOlder = false
	s.unread[c.ID] = 0
	s.uploads = NewUploads(s.uploads.limits)
}

func (s *Store) markSeen(channelID string, id int64) {
	if id > s.seen[channelID] {
		s.seen[channelID] = id
	}
}

// countUnread counts m against a background channel once, when it first
// arrives. Edits, deletions and reaction changes re-deliver messages that
// were already counted or already read.
func (s *Store) countUnread(m model.Message, me string) {
	if m.ID <= s.seen[m.ChannelID] {
		return
	}
	s.seen[m.ChannelID] = m.ID
	if m.Deleted() || m.EditedAt != nil || len(m.Reactions) > 0 || m.SenderID == me {
		return
	}
	s.unread[m.ChannelID]++
}

func (s *Store) channelID() string {
	if s.channel == nil {
		return ""
	}
	return s.channel.ID
}

func (s *Store) find(id int64) int {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID >= id })
	if i < len(s.messages) && s.messages[i].ID == id {
		return i
	}
	return -1
}

// merge folds a server copy of a message into the list. It is idempotent:
// the same message seen from a send response, a push and a history page
// ends up once. It reports whether the message belongs to this channel.
func (s *Store) merge(m model.Message) bool {
	if m.ChannelID != s.channelID() {
		return false
	}
	s.dropPending(m.ClientNonce)

	if m.Deleted() {
		if i := s.find(m.ID); i >= 0 {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
		}
		s.markReplyDeleted(m.ID)
		if s.replyTo != nil && s.replyTo.ID == m.ID {
			s.replyTo = nil
		}
		return true
	}

	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID >= m.ID })
	if i < len(s.messages) && s.messages[i].ID == m.ID {
		s.messages[i] = m
		return true
	}
	s.messages = append(s.messages, model.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return true
}

func (s *Store) markReplyDeleted(id int64) {
	for i := range s.messages {
		if r := s.messages[i].ReplyTo; r != nil && r.ID == id {
			s.messages[i].ReplyTo = &model.ReplyPreview{ID: id, SenderID: r.SenderID, Deleted: true}
		}
	}
}

// applyPage merges an older history page and moves the cursor.
func (s *Store) applyPage(p *chat.Page) {
	for _, m := range p.Messages {
		s.merge(m)
	}
	if p.NextCursor > 0 && (s.oldest == 0 || p.NextCursor < s.oldest) {
		s.oldest = p.NextCursor
	}
	s.hasMore = p.HasMore
}

func (s *Store) addPending(m model.Message, req SendRequest) {
	s.pending = append(s.pending, &pendingSend{nonce: req.ClientNonce, msg: m, req: req, status: StatusSending})
}

func (s *Store) pendingFor(nonce string) *pendingSend {
	for _, p := range s.pending {
		if p.nonce == nonce {
			return p
		}
	}
	return nil
}

func (s *Store) dropPending(nonce string) {
	if nonce == "" {
		return
	}
	for i, p := range s.pending {
		if p.nonce == nonce {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Store) latestID() int64 {
	if len(s.messages) == 0 {
		return 0
	}
	return s.messages[len(s.messages)-1].ID
}

// entries returns confirmed messages followed by optimistic ones.
func (s *Store) entries() []Entry {
	out := make([]Entry, 0, len(s.messages)+len(s.pending))
	for _, m := range s.messages {
		out = append(out, Entry{Message: m, Status: StatusSent})
	}
	for _, p := range s.pending {
		out = append(out, Entry{Message: p.msg, Status: p.status})
	}
	return out
}

func (s *Store) setMember(userID string, present bool) {
	for i, id := range s.members {
		if id == userID {
			if !present {
				s.members = append(s.members[:i], s.members[i+1:]...)
			}
			return
		}
	}
	if present {
		s.members = append(s.members, userID)
	}
}
