package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/birdayz/harmonics/internal/logging"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	Log         *slog.Logger
}

// Kafka carries each boundary over its own single-partition topic. Frame
// order is the topic's offset order.
//
// Delivery accounting is local: Pending counts frames this process sent and
// has not received back yet. It is exact only when both ends of every
// boundary live in one scheduler.
type Kafka struct {
	cfg      KafkaConfig
	log      *slog.Logger
	producer *kgo.Client
	admin    *kadm.Client

	mu     sync.Mutex
	links  map[string]*kafkaLink
	closed bool
}

var _ Transport = (*Kafka)(nil)

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka transport needs at least one broker")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "harmonics"
	}
	log := logging.OrNull(cfg.Log)

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Kafka{
		cfg:      cfg,
		log:      log.With("transport", "kafka"),
		producer: producer,
		admin:    kadm.NewClient(producer),
		links:    make(map[string]*kafkaLink),
	}, nil
}

// Topic returns the topic used for boundary.
func (k *Kafka) Topic(boundary string) string {
	return k.cfg.TopicPrefix + "." + boundary
}

func (k *Kafka) ensureTopic(ctx context.Context, topic string) error {
	resp, err := k.admin.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, r.Err)
		}
	}
	return nil
}

// Link creates the boundary topic if needed and starts consuming it at its
// current end, so frames of earlier runs are never delivered.
func (k *Kafka) Link(ctx context.Context, boundary string) (Link, error) {
	if boundary == "" {
		return nil, ErrEmptyBoundary
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	if l, ok := k.links[boundary]; ok {
		return l, nil
	}

	topic := k.Topic(boundary)
	if err := k.ensureTopic(ctx, topic); err != nil {
		return nil, err
	}

	ends, err := k.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list end offsets of %s: %w", topic, err)
	}
	end, ok := ends.Lookup(topic, 0)
	if !ok {
		return nil, fmt.Errorf("no end offset for %s", topic)
	}
	if end.Err != nil {
		return nil, fmt.Errorf("end offset of %s: %w", topic, end.Err)
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {0: kgo.NewOffset().At(end.Offset)},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", topic, err)
	}

	l := &kafkaLink{topic: topic, producer: k.producer, consumer: consumer}
	k.links[boundary] = l
	k.log.Debug("Opened boundary topic", "boundary", boundary, "topic", topic, "offset", end.Offset)
	return l, nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	for _, l := range k.links {
		_ = l.Close()
	}
	k.producer.Close()
	return nil
}

type kafkaLink struct {
	topic    string
	producer *kgo.Client
	consumer *kgo.Client

	mu      sync.Mutex
	pending int
	skip    int
	buf     [][]byte

	closeOnce sync.Once
}

func (l *kafkaLink) Send(ctx context.Context, frame []byte) error {
	res := l.producer.ProduceSync(ctx, &kgo.Record{Topic: l.topic, Partition: 0, Value: frame})
	if err := res.FirstErr(); err != nil {
		return err
	}
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
	return nil
}

func (l *kafkaLink) Recv(ctx context.Context) ([]byte, error) {
	for {
		l.mu.Lock()
		for l.skip > 0 && len(l.buf) > 0 {
			l.buf = l.buf[1:]
			l.skip--
		}
		if l.skip == 0 && len(l.buf) > 0 {
			f := l.buf[0]
			l.buf = l.buf[1:]
			if l.pending > 0 {
				l.pending--
			}
			l.mu.Unlock()
			return f, nil
		}
		l.mu.Unlock()

		fetches := l.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return nil, fmt.Errorf("fetch %s: %w", l.topic, errs[0].Err)
		}
		l.mu.Lock()
		fetches.EachRecord(func(r *kgo.Record) {
			l.buf = append(l.buf, r.Value)
		})
		l.mu.Unlock()
	}
}

func (l *kafkaLink) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Discard drops buffered frames and skips the ones not fetched yet.
func (l *kafkaLink) Discard() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.pending
	l.skip += max(0, n-len(l.buf))
	l.buf = nil
	l.pending = 0
	return n
}

func (l *kafkaLink) Close() error {
	l.closeOnce.Do(l.consumer.Close)
	return nil
}
