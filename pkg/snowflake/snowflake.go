// Package snowflake generates time-ordered int64 ids. Message ids double as
// the history cursor, so ids from one node never go backwards.
package snowflake

import (
	"errors"
	"sync"
	"time"

	"github.com/mahaj/sitechat/pkg/clock"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	Epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	mu    sync.Mutex
	clock clock.Clock
	time  int64
	node  int64
	step  int64
}

func NewNode(node int64) (*Node, error) {
	return NewNodeWithClock(node, clock.Real{})
}

func NewNodeWithClock(node int64, c clock.Clock) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.New("node number must be between 0 and 1023")
	}
	return &Node{clock: c, node: node}, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now().UnixMilli()
	if now < n.time {
		// clock moved backwards: keep issuing from the last known millisecond
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			// step exhausted within this millisecond, borrow the next one
			now++
		}
	} else {
		n.step = 0
	}

	n.time = now
	return ((now - Epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Time returns the creation time encoded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch).UTC()
}

// NodeOf returns the node number encoded in id.
func NodeOf(id int64) int64 {
	return (id >> nodeShift) & nodeMax
}
