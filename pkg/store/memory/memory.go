// Package memory is an in-process implementation of the chat repositories
// for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/model"
)

type Store struct {
	mu sync.RWMutex

	channels     map[string]*model.Channel
	members      map[string]map[string]model.ChannelMember
	userChannels map[string]map[string]struct{}

	messages  map[int64]*model.Message
	byChannel map[string][]int64
	nonces    map[string]int64
	reactions map[int64][]model.Reaction

	receipts map[string]map[string]model.ReadReceipt

	uploads map[string]*upload
}

type upload struct {
	att       model.Attachment
	uploader  string
	messageID int64
}

func New() *Store {
	return &Store{
		channels:     make(map[string]*model.Channel),
		members:      make(map[string]map[string]model.ChannelMember),
		userChannels: make(map[string]map[string]struct{}),
		messages:     make(map[int64]*model.Message),
		byChannel:    make(map[string][]int64),
		nonces:       make(map[string]int64),
		reactions:    make(map[int64][]model.Reaction),
		receipts:     make(map[string]map[string]model.ReadReceipt),
		uploads:      make(map[string]*upload),
	}
}

// Channels

func (s *Store) CreateChannel(_ context.Context, c *model.Channel, members []model.ChannelMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[c.ID]; ok {
		return apperr.Conflict("channel already exists")
	}
	cp := *c
	s.channels[c.ID] = &cp
	s.members[c.ID] = make(map[string]model.ChannelMember, len(members))
	for _, m := range members {
		s.addMemberLocked(m)
	}
	s.channels[c.ID].MemberCount = len(s.members[c.ID])
	return nil
}

func (s *Store) GetChannel(_ context.Context, id string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, apperr.NotFound("channel not found")
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateChannel(_ context.Context, c *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.channels[c.ID]
	if !ok {
		return apperr.NotFound("channel not found")
	}
	cp := *c
	cp.MemberCount = cur.MemberCount
	s.channels[c.ID] = &cp
	return nil
}

func (s *Store) Touch(_ context.Context, channelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return apperr.NotFound("channel not found")
	}
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	return nil
}

func (s *Store) ListMembers(_ context.Context, channelID string) ([]model.ChannelMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ChannelMember, 0, len(s.members[channelID]))
	for _, m := range s.members[channelID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *Store) GetMember(_ context.Context, channelID, userID string) (*model.ChannelMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[channelID][userID]
	if !ok {
		return nil, apperr.NotFound("member not found")
	}
	return &m, nil
}

func (s *Store) AddMember(_ context.Context, m model.ChannelMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[m.ChannelID]
	if !ok {
		return apperr.NotFound("channel not found")
	}
	if _, ok := s.members[m.ChannelID][m.UserID]; ok {
		return apperr.Conflict("already a member")
	}
	s.addMemberLocked(m)
	c.MemberCount = len(s.members[m.ChannelID])
	return nil
}

func (s *Store) addMemberLocked(m model.ChannelMember) {
	s.members[m.ChannelID][m.UserID] = m
	if s.userChannels[m.UserID] == nil {
		s.userChannels[m.UserID] = make(map[string]struct{})
	}
	s.userChannels[m.UserID][m.ChannelID] = struct{}{}
}

func (s *Store) RemoveMember(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[channelID][userID]; !ok {
		return apperr.NotFound("member not found")
	}
	delete(s.members[channelID], userID)
	delete(s.userChannels[userID], channelID)
	if c, ok := s.channels[channelID]; ok {
		c.MemberCount = len(s.members[channelID])
	}
	return nil
}

func (s *Store) ListChannelsForUser(_ context.Context, userID string) ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Channel, 0, len(s.userChannels[userID]))
	for id := range s.userChannels[userID] {
		if c, ok := s.channels[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Messages

func nonceKey(channelID, senderID, nonce string) string {
	return channelID + "|" + senderID + "|" + nonce
}

func copyMessage(m *model.Message) *model.Message {
	cp := *m
	cp.Attachments = append([]model.Attachment(nil), m.Attachments...)
	cp.Reactions = nil
	cp.ReplyTo = nil
	return &cp
}

func (s *Store) CreateMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return apperr.Conflict("message id already used")
	}
	s.messages[m.ID] = copyMessage(m)

	ids := s.byChannel[m.ChannelID]
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= m.ID })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = m.ID
	s.byChannel[m.ChannelID] = ids

	if m.ClientNonce != "" {
		s.nonces[nonceKey(m.ChannelID, m.SenderID, m.ClientNonce)] = m.ID
	}
	return nil
}

func (s *Store) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message not found")
	}
	return copyMessage(m), nil
}

func (s *Store) UpdateMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return apperr.NotFound("message not found")
	}
	s.messages[m.ID] = copyMessage(m)
	return nil
}

func (s *Store) ListBefore(_ context.Context, channelID string, before int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byChannel[channelID]
	end := sort.Search(len(ids), func(i int) bool { return ids[i] >= before })
	out := make([]model.Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *copyMessage(s.messages[ids[i]]))
	}
	return out, nil
}

func (s *Store) FindByNonce(_ context.Context, channelID, senderID, nonce string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.nonces[nonceKey(channelID, senderID, nonce)]
	if !ok {
		return nil, apperr.NotFound("message not found")
	}
	return copyMessage(s.messages[id]), nil
}

func (s *Store) CountAfter(_ context.Context, channelID string, after int64, excludeSender string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byChannel[channelID]
	start := sort.Search(len(ids), func(i int) bool { return ids[i] > after })
	n := 0
	for _, id := range ids[start:] {
		m := s.messages[id]
		if m.SenderID != excludeSender && !m.Deleted() {
			n++
		}
	}
	return n, nil
}

func (s *Store) Search(_ context.Context, channelID, query string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	ids := s.byChannel[channelID]
	out := make([]model.Message, 0)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if !m.Deleted() && strings.Contains(strings.ToLower(m.Text), q) {
			out = append(out, *copyMessage(m))
		}
	}
	return out, nil
}

func (s *Store) AddReaction(_ context.Context, r model.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[r.MessageID]; !ok {
		return apperr.NotFound("message not found")
	}
	for _, x := range s.reactions[r.MessageID] {
		if x.UserID == r.UserID && x.Emoji == r.Emoji {
			return apperr.Conflict("reaction exists")
		}
	}
	s.reactions[r.MessageID] = append(s.reactions[r.MessageID], r)
	return nil
}

func (s *Store) RemoveReaction(_ context.Context, messageID int64, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.reactions[messageID]
	for i, x := range rows {
		if x.UserID == userID && x.Emoji == emoji {
			s.reactions[messageID] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("reaction not found")
}

func (s *Store) ListReactions(_ context.Context, messageIDs []int64) (map[int64][]model.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64][]model.Reaction, len(messageIDs))
	for _, id := range messageIDs {
		if rows := s.reactions[id]; len(rows) > 0 {
			out[id] = append([]model.Reaction(nil), rows...)
		}
	}
	return out, nil
}

// Receipts

func (s *Store) GetReceipt(_ context.Context, channelID, userID string) (*model.ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[channelID][userID]
	if !ok {
		return nil, apperr.NotFound("receipt not found")
	}
	return &r, nil
}

func (s *Store) PutReceipt(_ context.Context, r model.ReadReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receipts[r.ChannelID] == nil {
		s.receipts[r.ChannelID] = make(map[string]model.ReadReceipt)
	}
	s.receipts[r.ChannelID][r.UserID] = r
	return nil
}

func (s *Store) ListReceipts(_ context.Context, channelID string) ([]model.ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ReadReceipt, 0, len(s.receipts[channelID]))
	for _, r := range s.receipts[channelID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Uploads

func (s *Store) RecordUploads(_ context.Context, uploaderID string, atts []model.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range atts {
		if _, ok := s.uploads[a.ID]; ok {
			return apperr.Conflict("attachment already recorded")
		}
	}
	for _, a := range atts {
		s.uploads[a.ID] = &upload{att: a, uploader: uploaderID}
	}
	return nil
}

func (s *Store) ClaimUploads(_ context.Context, uploaderID string, ids []string, messageID int64) ([]model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Attachment, len(ids))
	for i, id := range ids {
		u, ok := s.uploads[id]
		if !ok || u.uploader != uploaderID {
			return nil, apperr.InvalidArgument("unknown attachment " + id)
		}
		if u.messageID != 0 {
			return nil, apperr.Conflict("attachment " + id + " belongs to another message")
		}
		out[i] = u.att
	}
	for _, id := range ids {
		s.uploads[id].messageID = messageID
	}
	return out, nil
}

func (s *Store) ReleaseUploads(_ context.Context, ids []string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if u, ok := s.uploads[id]; ok && u.messageID == messageID {
			u.messageID = 0
		}
	}
	return nil
}
