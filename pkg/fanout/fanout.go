// Package fanout carries chat events between service instances. Every
// gateway pattern-subscribes once to all channel topics and filters by
// recipient in-process, the same relay shape the platform uses for
// maintenance broadcasts.
package fanout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mahaj/sitechat/pkg/metrics"
	"github.com/mahaj/sitechat/pkg/model"
)

const (
	topicPrefix = "chat.channel."
	// AllChannels matches every channel topic.
	AllChannels = topicPrefix + "*"

	publishTimeout = 2 * time.Second
)

var ErrClosed = errors.New("fanout: broadcaster closed")

func ChannelTopic(channelID string) string {
	return topicPrefix + channelID
}

// ChannelFromTopic is the inverse of ChannelTopic.
func ChannelFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) || len(topic) == len(topicPrefix) {
		return "", false
	}
	return topic[len(topicPrefix):], true
}

type Publisher interface {
	Publish(ctx context.Context, topic string, ev model.Event) error
}

// Message is a raw broker delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live pattern subscription. Messages is closed when the
// broker connection is lost or the subscription is closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Broadcaster interface {
	Publisher
	// Subscribe returns once the broker has confirmed the subscription.
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
	Close() error
}

// Handler receives decoded events.
type Handler func(ctx context.Context, topic string, ev model.Event)

func Encode(ev model.Event) ([]byte, error) {
	return msgpack.Marshal(&ev)
}

func Decode(payload []byte) (model.Event, error) {
	var ev model.Event
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		return model.Event{}, err
	}
	if ev.Type == "" || ev.ChannelID == "" {
		return model.Event{}, errors.New("fanout: event missing type or channel")
	}
	return ev, nil
}

// Emit publishes ev for its channel without letting the outcome reach the
// caller: the durable write already happened and clients reconcile through
// history if the push is lost.
func Emit(ctx context.Context, p Publisher, ev model.Event) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.Publish(ctx, ChannelTopic(ev.ChannelID), ev); err != nil {
		metrics.FanoutPublished.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("channel_id", ev.ChannelID).Str("type", string(ev.Type)).Msg("fanout publish failed")
		return
	}
	metrics.FanoutPublished.WithLabelValues("ok").Inc()
}
