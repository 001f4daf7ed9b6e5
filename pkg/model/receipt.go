package model

import "time"

// ReadReceipt is the last moment a member viewed a channel.
type ReadReceipt struct {
	ChannelID         string    `json:"channelId"`
	UserID            string    `json:"userId"`
	LastReadAt        time.Time `json:"lastReadAt"`
	LastReadMessageID int64     `json:"lastReadMessageId"`
}

// IsReadByOthers reports whether every member other than the sender has a
// receipt at or after the message's creation time. A channel with no other
// member (the self channel) never reads.
func IsReadByOthers(msg *Message, memberIDs []string, receipts map[string]ReadReceipt) bool {
	others := 0
	for _, id := range memberIDs {
		if id == msg.SenderID {
			continue
		}
		others++
		r, ok := receipts[id]
		if !ok || r.LastReadAt.Before(msg.CreatedAt) {
			return false
		}
	}
	return others > 0
}

// ReceiptIndex keys receipts by user id.
func ReceiptIndex(receipts []ReadReceipt) map[string]ReadReceipt {
	out := make(map[string]ReadReceipt, len(receipts))
	for _, r := range receipts {
		out[r.UserID] = r
	}
	return out
}
