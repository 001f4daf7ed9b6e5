package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/metrics"
	"github.com/mahaj/sitechat/pkg/model"
)

type State int32

const (
	Disconnected State = iota
	Subscribing
	Subscribed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	}
	return "disconnected"
}

// Subscriber keeps one pattern subscription alive across broker outages.
type Subscriber struct {
	b       Broadcaster
	pattern string
	handler Handler
	log     zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	state    atomic.Int32
	mu       sync.Mutex
	watchers []chan State
}

type SubscriberOption func(*Subscriber)

func WithBackoff(min, max time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.minBackoff, s.maxBackoff = min, max
	}
}

func NewSubscriber(b Broadcaster, pattern string, h Handler, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		b:          b,
		pattern:    pattern,
		handler:    h,
		log:        log.With().Str("component", "fanout").Str("pattern", pattern).Logger(),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Watch returns a channel receiving every state transition. It is buffered;
// slow watchers miss intermediate states.
func (s *Subscriber) Watch() <-chan State {
	ch := make(chan State, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Subscriber) set(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.mu.Lock()
	for _, w := range s.watchers {
		select {
		case w <- st:
		default:
		}
	}
	s.mu.Unlock()
}

// Run subscribes and dispatches until ctx is cancelled, resubscribing with
// exponential backoff whenever the broker drops the subscription.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.minBackoff
	defer s.set(Disconnected)

	for {
		s.set(Subscribing)
		sub, err := s.b.Subscribe(ctx, s.pattern)
		if err != nil {
			s.set(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("subscribe failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}

		s.set(Subscribed)
		s.log.Info().Msg("subscribed")
		backoff = s.minBackoff

		s.drain(ctx, sub)
		_ = sub.Close()
		s.set(Disconnected)

		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Msg("subscription lost, resubscribing")
	}
}

func (s *Subscriber) drain(ctx context.Context, sub Subscription) {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := Decode(m.Payload)
			if err != nil {
				metrics.FanoutDropped.WithLabelValues("malformed").Inc()
				s.log.Debug().Err(err).Str("topic", m.Topic).Msg("dropping malformed event")
				continue
			}
			s.dispatch(ctx, m.Topic, ev)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, topic string, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FanoutDropped.WithLabelValues("handler_panic").Inc()
			s.log.Error().Interface("panic", r).Str("topic", topic).Msg("event handler panicked")
		}
	}()
	s.handler(ctx, topic, ev)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
