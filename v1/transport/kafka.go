package transport

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type kafkaSubscription struct {
	pc     sarama.PartitionConsumer
	cancel context.CancelFunc
}

// Kafka implements Transport on Kafka topics. Every rift topic maps to
// partition 0 of the Kafka topic with the same name and is consumed from the
// newest offset, matching pub/sub semantics.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client

	mu     sync.Mutex
	subs   map[string]*kafkaSubscription
	closed bool
}

// NewKafka connects to the given brokers.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	k := NewKafkaFromClients(producer, consumer)
	k.client = client
	return k, nil
}

// NewKafkaFromClients builds a Kafka transport on an existing producer and
// consumer. Both are closed by Close.
func NewKafkaFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *Kafka {
	return &Kafka{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

// Publish implements Transport.Publish.
func (k *Kafka) Publish(ctx context.Context, topic, payload string) error {
	_, span := tracer.Start(ctx, "Kafka.Publish", trace.WithAttributes(attribute.String("rift.topic", topic)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	if k.isClosed() {
		return ErrClosed
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.StringEncoder(payload)}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Subscribe implements Transport.Subscribe.
func (k *Kafka) Subscribe(_ context.Context, topic string, fn MessageFunc) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if _, ok := k.subs[topic]; ok {
		return ErrAlreadySubscribed
	}
	pc, err := k.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return err
	}
	lctx, cancel := context.WithCancel(context.Background())
	k.subs[topic] = &kafkaSubscription{pc: pc, cancel: cancel}
	go k.listen(lctx, pc, fn)
	return nil
}

func (k *Kafka) listen(ctx context.Context, pc sarama.PartitionConsumer, fn MessageFunc) {
	for msg := range pc.Messages() {
		if ctx.Err() != nil {
			return
		}
		fn(ctx, string(msg.Value))
	}
}

// Unsubscribe implements Transport.Unsubscribe.
func (k *Kafka) Unsubscribe(_ context.Context, topic string) error {
	k.mu.Lock()
	s := k.subs[topic]
	delete(k.subs, topic)
	k.mu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	return s.pc.Close()
}

// Close stops every partition consumer and closes the Kafka clients.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := k.subs
	k.subs = make(map[string]*kafkaSubscription)
	k.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range subs {
		s.cancel()
		keep(s.pc.Close())
	}
	keep(k.producer.Close())
	keep(k.consumer.Close())
	if k.client != nil && !k.client.Closed() {
		keep(k.client.Close())
	}
	return firstErr
}

func (k *Kafka) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}
