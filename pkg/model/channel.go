package model

import (
	"fmt"
	"strings"
	"time"
)

type ChannelType string

const (
	ChannelDirect ChannelType = "direct"
	ChannelGroup  ChannelType = "group"
	// ChannelSelf is never stored; it is reported for direct channels whose
	// only member is the owner.
	ChannelSelf ChannelType = "self"
)

const directPrefix = "dm:"

type Channel struct {
	ID             string      `json:"id"`
	Type           ChannelType `json:"type"`
	Name           string      `json:"name,omitempty"`
	Avatar         string      `json:"avatar,omitempty"`
	OwnerID        string      `json:"ownerId"`
	MemberCount    int         `json:"memberCount"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastActivityAt time.Time   `json:"lastActivityAt"`
	ArchivedAt     *time.Time  `json:"archivedAt,omitempty"`
}

func (c *Channel) Archived() bool {
	return c.ArchivedAt != nil
}

type ChannelMember struct {
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// DirectChannelID returns the stable id of the direct channel between two
// users. User ids are sorted so both sides resolve the same channel; a == b
// is the self channel.
func DirectChannelID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s%s:%s", directPrefix, a, b)
}

// DirectParticipants splits a direct channel id into its two user ids.
func DirectParticipants(channelID string) (string, string, bool) {
	if !strings.HasPrefix(channelID, directPrefix) {
		return "", "", false
	}
	parts := strings.Split(channelID[len(directPrefix):], ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IsSelf reports whether c is a direct channel whose members are all its owner.
func IsSelf(c *Channel, memberIDs []string) bool {
	if c.Type != ChannelDirect || len(memberIDs) == 0 {
		return false
	}
	for _, id := range memberIDs {
		if id != c.OwnerID {
			return false
		}
	}
	return true
}
