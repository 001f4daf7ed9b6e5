package scylla

import (
	"context"

	"github.com/mahaj/sitechat/pkg/model"
)

func (st *Store) GetReceipt(ctx context.Context, channelID, userID string) (*model.ReadReceipt, error) {
	r := model.ReadReceipt{ChannelID: channelID, UserID: userID}
	err := st.s.Query(`SELECT last_read_at, last_read_message_id FROM read_receipts WHERE channel_id = ? AND user_id = ?`, channelID, userID).
		WithContext(ctx).Scan(&r.LastReadAt, &r.LastReadMessageID)
	if err != nil {
		return nil, dbErr("get receipt", err, "receipt not found")
	}
	return &r, nil
}

func (st *Store) PutReceipt(ctx context.Context, r model.ReadReceipt) error {
	err := st.s.Query(`INSERT INTO read_receipts (channel_id, user_id, last_read_at, last_read_message_id) VALUES (?, ?, ?, ?)`,
		r.ChannelID, r.UserID, r.LastReadAt, r.LastReadMessageID,
	).WithContext(ctx).Exec()
	if err != nil {
		return dbErr("put receipt", err, "")
	}
	return nil
}

func (st *Store) ListReceipts(ctx context.Context, channelID string) ([]model.ReadReceipt, error) {
	iter := st.s.Query(`SELECT user_id, last_read_at, last_read_message_id FROM read_receipts WHERE channel_id = ?`, channelID).
		WithContext(ctx).Iter()
	var out []model.ReadReceipt
	r := model.ReadReceipt{ChannelID: channelID}
	for iter.Scan(&r.UserID, &r.LastReadAt, &r.LastReadMessageID) {
		out = append(out, r)
	}
	if err := iter.Close(); err != nil {
		return nil, dbErr("list receipts", err, "")
	}
	return out, nil
}
