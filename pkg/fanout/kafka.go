package fanout

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/sitechat/pkg/model"
)

// Kafka fans events out over a single kafka topic. The chat topic travels
// as the record key. Every subscriber joins its own consumer group so each
// gateway instance sees every record.
type Kafka struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	group   string
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		brokers: brokers,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		group: "gateway-" + uuid.NewString(),
	}
}

func (k *Kafka) Publish(ctx context.Context, topic string, ev model.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Time:  time.Now(),
	})
}

func (k *Kafka) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	if len(k.brokers) == 0 {
		return nil, errors.New("fanout: no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return nil, err
	}
	_ = conn.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		GroupID:     k.group,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
	sub := &kafkaSub{reader: reader, pattern: pattern, ch: make(chan Message, 256)}
	subCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	go sub.loop(subCtx)
	return sub, nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

type kafkaSub struct {
	reader  *kafka.Reader
	pattern string
	ch      chan Message
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *kafkaSub) Messages() <-chan Message { return s.ch }

func (s *kafkaSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.reader.Close()
	})
	return err
}

func (s *kafkaSub) loop(ctx context.Context) {
	defer close(s.ch)
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			return
		}
		topic := string(m.Key)
		if ok, _ := path.Match(s.pattern, topic); !ok {
			continue
		}
		select {
		case s.ch <- Message{Topic: topic, Payload: m.Value}:
		case <-ctx.Done():
			return
		}
	}
}
