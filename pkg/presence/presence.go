package presence

import (
	"context"
	"sort"
	"sync"
)

// Presence is the set of online users. A user is online while at least one
// connection is open. Connect and Disconnect report transitions.
type Presence interface {
	Connect(ctx context.Context, userID string) bool
	Disconnect(ctx context.Context, userID string) bool
	IsOnline(ctx context.Context, userID string) bool
	Online(ctx context.Context) []string
}

// Sweeper is a Presence whose entries can outlive the process holding the
// connections. Run keeps this process's entries alive and clears those of
// processes that stopped, calling offline for each user that went offline.
type Sweeper interface {
	Run(ctx context.Context, offline func(ctx context.Context, userID string)) error
}

// Memory is a single-process Presence.
type Memory struct {
	mu    sync.Mutex
	conns map[string]int
}

func NewMemory() *Memory {
	return &Memory{conns: make(map[string]int)}
}

func (m *Memory) Connect(_ context.Context, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[userID]++
	return m.conns[userID] == 1
}

func (m *Memory) Disconnect(_ context.Context, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.conns[userID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(m.conns, userID)
		return true
	}
	m.conns[userID] = n - 1
	return false
}

func (m *Memory) IsOnline(_ context.Context, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[userID] > 0
}

func (m *Memory) Online(_ context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for u := range m.conns {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
