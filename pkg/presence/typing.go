// Package presence tracks who is online and who is typing. Both are
// best-effort and ephemeral: failures read as offline and not typing.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/mahaj/sitechat/pkg/clock"
)

const DefaultTypingWindow = 5 * time.Second

// TypingEntry identifies one typing user.
type TypingEntry struct {
	ChannelID string
	UserID    string
}

// Typing is a time-indexed map of typing users. Entries older than the
// window are ignored on read and removed by Sweep; nothing runs a timer.
type Typing struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	entries map[string]map[string]time.Time
}

func NewTyping(c clock.Clock, window time.Duration) *Typing {
	if c == nil {
		c = clock.Real{}
	}
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &Typing{clock: c, window: window, entries: make(map[string]map[string]time.Time)}
}

func (t *Typing) Window() time.Duration { return t.window }

// Start records or refreshes a keystroke. It reports whether the user was
// not already typing, which is when other members need to hear about it.
func (t *Typing) Start(channelID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	users := t.entries[channelID]
	if users == nil {
		users = make(map[string]time.Time)
		t.entries[channelID] = users
	}
	last, ok := users[userID]
	users[userID] = now
	return !ok || t.stale(last, now)
}

// Stop clears the entry. It reports whether the user was typing.
func (t *Typing) Stop(channelID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.entries[channelID][userID]
	if !ok {
		return false
	}
	t.remove(channelID, userID)
	return !t.stale(last, t.clock.Now())
}

func (t *Typing) IsTyping(channelID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.entries[channelID][userID]
	return ok && !t.stale(last, t.clock.Now())
}

// Active returns the users typing in channelID, sorted.
func (t *Typing) Active(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]string, 0, len(t.entries[channelID]))
	for u, last := range t.entries[channelID] {
		if !t.stale(last, now) {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep drops stale entries and returns them.
func (t *Typing) Sweep() []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var expired []TypingEntry
	for ch, users := range t.entries {
		for u, last := range users {
			if t.stale(last, now) {
				expired = append(expired, TypingEntry{ChannelID: ch, UserID: u})
				delete(users, u)
			}
		}
		if len(users) == 0 {
			delete(t.entries, ch)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ChannelID == expired[j].ChannelID {
			return expired[i].UserID < expired[j].UserID
		}
		return expired[i].ChannelID < expired[j].ChannelID
	})
	return expired
}

// StopUser clears userID from every channel, returning the channels where
// the user was typing.
func (t *Typing) StopUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var channels []string
	for ch, users := range t.entries {
		if last, ok := users[userID]; ok {
			if !t.stale(last, now) {
				channels = append(channels, ch)
			}
			t.remove(ch, userID)
		}
	}
	sort.Strings(channels)
	return channels
}

func (t *Typing) stale(last, now time.Time) bool {
	return now.Sub(last) > t.window
}

func (t *Typing) remove(channelID, userID string) {
	delete(t.entries[channelID], userID)
	if len(t.entries[channelID]) == 0 {
		delete(t.entries, channelID)
	}
}
