package fanout

import (
	"context"
	"path"
	"sync"

	"github.com/mahaj/sitechat/pkg/metrics"
	"github.com/mahaj/sitechat/pkg/model"
)

// Local is an in-process Broadcaster for single-node deployments and tests.
// Events still go through the wire codec so behaviour matches the brokers.
type Local struct {
	mu       sync.Mutex
	subs     map[*localSub]struct{}
	failNext int
	closed   bool
	buffer   int
}

func NewLocal() *Local {
	return &Local{subs: make(map[*localSub]struct{}), buffer: 256}
}

type localSub struct {
	owner   *Local
	pattern string
	ch      chan Message
	once    sync.Once
}

func (s *localSub) Messages() <-chan Message { return s.ch }

func (s *localSub) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}

func (l *Local) Publish(ctx context.Context, topic string, ev model.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	return l.PublishRaw(topic, payload)
}

// PublishRaw delivers payload as-is, including payloads that do not decode.
func (l *Local) PublishRaw(topic string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for s := range l.subs {
		if ok, _ := path.Match(s.pattern, topic); !ok {
			continue
		}
		select {
		case s.ch <- Message{Topic: topic, Payload: payload}:
		default:
			metrics.FanoutDropped.WithLabelValues("slow_subscriber").Inc()
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.failNext > 0 {
		l.failNext--
		return nil, errBrokerDown
	}
	s := &localSub{owner: l, pattern: pattern, ch: make(chan Message, l.buffer)}
	l.subs[s] = struct{}{}
	return s, nil
}

// Disconnect drops every live subscription as a broker restart would, and
// makes the next failures Subscribe calls fail.
func (l *Local) Disconnect(failures int) {
	l.mu.Lock()
	subs := make([]*localSub, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.failNext = failures
	l.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}

func (l *Local) Close() error {
	l.Disconnect(0)
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

type brokerError string

func (e brokerError) Error() string { return string(e) }

const errBrokerDown = brokerError("fanout: broker unavailable")
