package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventMessage  EventType = "message"
	EventTyping   EventType = "typing"
	EventPresence EventType = "presence"
	EventRead     EventType = "read"
	EventMember   EventType = "member"
)

// Event is the unit of real-time delivery. Recipients is routing metadata
// for gateways and never reaches clients.
type Event struct {
	Type       EventType       `json:"type" msgpack:"type"`
	ChannelID  string          `json:"channelId" msgpack:"channel_id"`
	Payload    json.RawMessage `json:"payload" msgpack:"payload"`
	Timestamp  time.Time       `json:"ts" msgpack:"ts"`
	Recipients []string        `json:"-" msgpack:"recipients"`
}

// NewEvent marshals payload and stamps the event.
func NewEvent(typ EventType, channelID string, recipients []string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:       typ,
		ChannelID:  channelID,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
		Recipients: recipients,
	}, nil
}

func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// HasRecipient reports whether userID should receive e.
func (e Event) HasRecipient(userID string) bool {
	for _, r := range e.Recipients {
		if r == userID {
			return true
		}
	}
	return false
}

type TypingPayload struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type ReadPayload struct {
	UserID            string    `json:"userId"`
	LastReadAt        time.Time `json:"lastReadAt"`
	LastReadMessageID int64     `json:"lastReadMessageId"`
}

type MemberAction string

const (
	MemberAdded   MemberAction = "added"
	MemberRemoved MemberAction = "removed"
	ChannelClosed MemberAction = "archived"
)

type MemberPayload struct {
	UserID string       `json:"userId"`
	Action MemberAction `json:"action"`
}
