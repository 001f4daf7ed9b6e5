package fanout

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/sitechat/pkg/model"
)

const redisHealthInterval = 30 * time.Second

// Redis fans events out with PUBLISH / PSUBSCRIBE.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Publish(ctx context.Context, topic string, ev model.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := r.client.PSubscribe(ctx, pattern)
	// the first reply confirms the subscription
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSub{ps: ps, ch: make(chan Message, 256), done: make(chan struct{})}
	go sub.loop(ctx)
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}

// loop reads until the connection fails. go-redis would silently reconnect
// behind Channel(); reading directly lets the Subscriber see the outage.
func (s *redisSub) loop(ctx context.Context) {
	defer close(s.ch)
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, redisHealthInterval)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if err := s.ps.Ping(ctx); err == nil {
					continue
				}
			}
			return
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		select {
		case s.ch <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
