package scylla

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/model"
)

const (
	messageColumns = `channel_id, id, sender_id, text, message_type, created_at, edited_at, deleted_at, reply_to, attachments, client_nonce`
	scanPageSize   = 500
)

func encodeAttachments(a []model.Attachment) (string, error) {
	if len(a) == 0 {
		return "", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

func decodeAttachments(s string) ([]model.Attachment, error) {
	if s == "" {
		return nil, nil
	}
	var out []model.Attachment
	err := json.Unmarshal([]byte(s), &out)
	return out, err
}

// messageRow carries the columns that need conversion.
type messageRow struct {
	m           model.Message
	typ         string
	attachments string
}

func (r *messageRow) dest() []interface{} {
	return []interface{}{
		&r.m.ChannelID, &r.m.ID, &r.m.SenderID, &r.m.Text, &r.typ, &r.m.CreatedAt,
		&r.m.EditedAt, &r.m.DeletedAt, &r.m.ReplyToMessageID, &r.attachments, &r.m.ClientNonce,
	}
}

func (r *messageRow) message() (model.Message, error) {
	m := r.m
	m.Type = model.MessageType(r.typ)
	a, err := decodeAttachments(r.attachments)
	if err != nil {
		return model.Message{}, err
	}
	m.Attachments = a
	return m, nil
}

func (st *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	b := st.s.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChannelID, m.ID, m.SenderID, m.Text, string(m.Type), m.CreatedAt,
		m.EditedAt, m.DeletedAt, m.ReplyToMessageID, attachments, m.ClientNonce)
	b.Query(`INSERT INTO messages_by_id (id, channel_id) VALUES (?, ?)`, m.ID, m.ChannelID)
	if m.ClientNonce != "" {
		b.Query(`INSERT INTO message_nonces (channel_id, sender_id, nonce, message_id) VALUES (?, ?, ?, ?)`,
			m.ChannelID, m.SenderID, m.ClientNonce, m.ID)
	}
	if err := st.s.ExecuteBatch(b); err != nil {
		return dbErr("create message", err, "")
	}
	return nil
}

func (st *Store) getInChannel(ctx context.Context, channelID string, id int64) (*model.Message, error) {
	var row messageRow
	err := st.s.Query(`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND id = ?`, channelID, id).
		WithContext(ctx).Scan(row.dest()...)
	if err != nil {
		return nil, dbErr("get message", err, "message not found")
	}
	m, err := row.message()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (st *Store) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	var channelID string
	if err := st.s.Query(`SELECT channel_id FROM messages_by_id WHERE id = ?`, id).WithContext(ctx).Scan(&channelID); err != nil {
		return nil, dbErr("lookup message", err, "message not found")
	}
	return st.getInChannel(ctx, channelID, id)
}

func (st *Store) UpdateMessage(ctx context.Context, m *model.Message) error {
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	err = st.s.Query(`UPDATE messages SET text = ?, edited_at = ?, deleted_at = ?, attachments = ? WHERE channel_id = ? AND id = ?`,
		m.Text, m.EditedAt, m.DeletedAt, attachments, m.ChannelID, m.ID,
	).WithContext(ctx).Exec()
	if err != nil {
		return dbErr("update message", err, "")
	}
	return nil
}

func (st *Store) ListBefore(ctx context.Context, channelID string, before int64, limit int) ([]model.Message, error) {
	iter := st.s.Query(`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND id < ? LIMIT ?`, channelID, before, limit).
		WithContext(ctx).Iter()
	return collect(iter, limit, nil)
}

// collect scans rows, keeping those accepted by keep, until limit rows are kept.
func collect(iter *gocql.Iter, limit int, keep func(*model.Message) bool) ([]model.Message, error) {
	out := make([]model.Message, 0)
	var row messageRow
	for len(out) < limit && iter.Scan(row.dest()...) {
		m, err := row.message()
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if keep == nil || keep(&m) {
			out = append(out, m)
		}
		row = messageRow{}
	}
	if err := iter.Close(); err != nil {
		return nil, dbErr("list messages", err, "")
	}
	return out, nil
}

func (st *Store) FindByNonce(ctx context.Context, channelID, senderID, nonce string) (*model.Message, error) {
	var id int64
	err := st.s.Query(`SELECT message_id FROM message_nonces WHERE channel_id = ? AND sender_id = ? AND nonce = ?`, channelID, senderID, nonce).
		WithContext(ctx).Scan(&id)
	if err != nil {
		return nil, dbErr("find nonce", err, "message not found")
	}
	return st.getInChannel(ctx, channelID, id)
}

func (st *Store) CountAfter(ctx context.Context, channelID string, after int64, excludeSender string) (int, error) {
	iter := st.s.Query(`SELECT sender_id, deleted_at FROM messages WHERE channel_id = ? AND id > ?`, channelID, after).
		WithContext(ctx).PageSize(scanPageSize).Iter()
	n := 0
	var sender string
	var deleted *time.Time
	for iter.Scan(&sender, &deleted) {
		if sender != excludeSender && deleted == nil {
			n++
		}
		deleted = nil
	}
	if err := iter.Close(); err != nil {
		return 0, dbErr("count unread", err, "")
	}
	return n, nil
}

// Search scans the channel partition newest first. Text search has no
// index; channels are small enough for a bounded scan.
func (st *Store) Search(ctx context.Context, channelID, query string, limit int) ([]model.Message, error) {
	q := strings.ToLower(query)
	iter := st.s.Query(`SELECT `+messageColumns+` FROM messages WHERE channel_id = ?`, channelID).
		WithContext(ctx).PageSize(scanPageSize).Iter()
	return collect(iter, limit, func(m *model.Message) bool {
		return !m.Deleted() && strings.Contains(strings.ToLower(m.Text), q)
	})
}

func (st *Store) AddReaction(ctx context.Context, r model.Reaction) error {
	applied, err := st.s.Query(`INSERT INTO reactions (message_id, emoji, user_id, created_at) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		r.MessageID, r.Emoji, r.UserID, r.CreatedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return dbErr("add reaction", err, "")
	}
	if !applied {
		return apperr.Conflict("reaction exists")
	}
	return nil
}

func (st *Store) RemoveReaction(ctx context.Context, messageID int64, userID, emoji string) error {
	applied, err := st.s.Query(`DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND user_id = ? IF EXISTS`, messageID, emoji, userID).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return dbErr("remove reaction", err, "")
	}
	if !applied {
		return apperr.NotFound("reaction not found")
	}
	return nil
}

func (st *Store) ListReactions(ctx context.Context, messageIDs []int64) (map[int64][]model.Reaction, error) {
	out := make(map[int64][]model.Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	iter := st.s.Query(`SELECT message_id, emoji, user_id, created_at FROM reactions WHERE message_id IN ?`, messageIDs).
		WithContext(ctx).Iter()
	var r model.Reaction
	for iter.Scan(&r.MessageID, &r.Emoji, &r.UserID, &r.CreatedAt) {
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	if err := iter.Close(); err != nil {
		return nil, dbErr("list reactions", err, "")
	}
	for id := range out {
		sortReactions(out[id])
	}
	return out, nil
}

// sortReactions restores first-use order; the table clusters by emoji.
func sortReactions(rows []model.Reaction) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
}
