package events

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer writes messages to a topic.
type Writer interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
	Close() error
}

// flushAfter bounds how long a lone alert waits for a batch to fill.
const flushAfter = 50 * time.Millisecond

// KafkaProducer opens one writer per topic on first use.
type KafkaProducer struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages writes messages to the given topic, creating a writer if necessary.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerFor(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerFor(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
		BatchTimeout:           flushAfter,
	}
	p.writers[topic] = w
	return w
}

// Close releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for topic, w := range p.writers {
		errs = errors.Join(errs, w.Close())
		delete(p.writers, topic)
	}
	return errs
}

// LogWriter logs messages instead of producing them. Used when no brokers are
// configured.
type LogWriter struct {
	Logger *log.Logger
}

// WriteMessages implements Writer.
func (w LogWriter) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	logger := w.Logger
	if logger == nil {
		logger = log.Default()
	}
	for _, m := range msgs {
		logger.Printf("event %s key=%s %s", topic, m.Key, m.Value)
	}
	return nil
}

// Close implements Writer.
func (LogWriter) Close() error { return nil }
