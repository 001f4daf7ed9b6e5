package chat

import (
	"context"
	"fmt"
	"math"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/model"
)

type Receipts struct {
	d Deps
}

func NewReceipts(d Deps) *Receipts {
	return &Receipts{d: d}
}

// MarkRead records that userID viewed the channel up to atMessageID, or up
// to the newest message when atMessageID is zero. The stored message id
// never moves backwards.
func (r *Receipts) MarkRead(ctx context.Context, channelID, userID string, atMessageID int64) (*model.ReadReceipt, error) {
	if _, err := r.d.authorize(ctx, channelID, userID); err != nil {
		return nil, err
	}

	if atMessageID > 0 {
		m, err := r.d.Messages.GetMessage(ctx, atMessageID)
		if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
			return nil, fmt.Errorf("get message: %w", err)
		}
		if err != nil || m.ChannelID != channelID {
			return nil, apperr.NotFound("message not found in this channel")
		}
	} else {
		latest, err := r.d.Messages.ListBefore(ctx, channelID, math.MaxInt64, 1)
		if err != nil {
			return nil, fmt.Errorf("latest message: %w", err)
		}
		if len(latest) == 1 {
			atMessageID = latest[0].ID
		}
	}

	rec := model.ReadReceipt{ChannelID: channelID, UserID: userID, LastReadAt: r.d.now(), LastReadMessageID: atMessageID}
	prev, err := r.d.Receipts.GetReceipt(ctx, channelID, userID)
	switch {
	case err == nil:
		if prev.LastReadMessageID > rec.LastReadMessageID {
			rec.LastReadMessageID = prev.LastReadMessageID
		}
		if prev.LastReadAt.After(rec.LastReadAt) {
			rec.LastReadAt = prev.LastReadAt
		}
	case !apperr.Is(err, apperr.CodeNotFound):
		return nil, fmt.Errorf("get receipt: %w", err)
	}

	if err := r.d.Receipts.PutReceipt(ctx, rec); err != nil {
		return nil, fmt.Errorf("put receipt: %w", err)
	}

	if ids, err := r.d.memberIDs(ctx, channelID); err == nil {
		r.d.emit(ctx, model.EventRead, channelID, ids, model.ReadPayload{
			UserID:            userID,
			LastReadAt:        rec.LastReadAt,
			LastReadMessageID: rec.LastReadMessageID,
		})
	}
	return &rec, nil
}

// Receipts returns the receipts of the other members of the channel.
func (r *Receipts) Receipts(ctx context.Context, channelID, userID string) ([]model.ReadReceipt, error) {
	if _, err := r.d.authorize(ctx, channelID, userID); err != nil {
		return nil, err
	}
	all, err := r.d.Receipts.ListReceipts(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	out := make([]model.ReadReceipt, 0, len(all))
	for _, rec := range all {
		if rec.UserID != userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// IsReadByOthers loads the channel's roster and receipts and reports
// whether every other member has read msg.
func (r *Receipts) IsReadByOthers(ctx context.Context, msg *model.Message) (bool, error) {
	ids, err := r.d.memberIDs(ctx, msg.ChannelID)
	if err != nil {
		return false, err
	}
	all, err := r.d.Receipts.ListReceipts(ctx, msg.ChannelID)
	if err != nil {
		return false, fmt.Errorf("list receipts: %w", err)
	}
	return model.IsReadByOthers(msg, ids, model.ReceiptIndex(all)), nil
}
