package model

import "time"

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageVoice MessageType = "voice"
)

// Attachment is a stored file bound to exactly one message.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	FileSize int64  `json:"fileSize"`
}

type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

// ReplyPreview is the quoted part of a reply. Deleted targets keep their id
// but lose their text.
type ReplyPreview struct {
	ID       int64  `json:"id"`
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
	Deleted  bool   `json:"deleted"`
}

type Message struct {
	ID               int64           `json:"id"`
	ChannelID        string          `json:"channelId"`
	SenderID         string          `json:"senderId"`
	Text             string          `json:"text"`
	Type             MessageType     `json:"messageType"`
	CreatedAt        time.Time       `json:"createdAt"`
	EditedAt         *time.Time      `json:"editedAt,omitempty"`
	DeletedAt        *time.Time      `json:"deletedAt,omitempty"`
	ReplyToMessageID *int64          `json:"replyToMessageId,omitempty"`
	ReplyTo          *ReplyPreview   `json:"replyTo,omitempty"`
	Attachments      []Attachment    `json:"attachments"`
	Reactions        []ReactionGroup `json:"reactions"`
	ClientNonce      string          `json:"clientNonce,omitempty"`
}

func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Preview returns the reply quote for m.
func (m *Message) Preview() *ReplyPreview {
	p := &ReplyPreview{ID: m.ID, SenderID: m.SenderID, Deleted: m.Deleted()}
	if !p.Deleted {
		p.Text = m.Text
	}
	return p
}

// Reaction is one (message, user, emoji) row.
type Reaction struct {
	MessageID int64     `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// GroupReactions folds reaction rows into per-emoji groups, ordered by the
// first time each emoji was used.
func GroupReactions(rows []Reaction) []ReactionGroup {
	groups := make([]ReactionGroup, 0)
	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Count++
		groups[i].UserIDs = append(groups[i].UserIDs, r.UserID)
	}
	return groups
}
