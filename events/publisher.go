// Package events publishes chat domain events to kafka for downstream
// consumers (search indexing, push notification, audit).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/store"
)

const (
	EventMessageCreated = "message-created"

	DefaultMaxBytes = 4096

	// queueSize bounds records waiting for the writer.
	queueSize = 1024

	kafkaWriteTimeout = 3 * time.Second
)

var (
	ErrQueueFull = errors.New("publish queue is full")
	ErrClosed    = errors.New("publisher is closed")
)

// MessageCreated is the value of a message-created record. The record key is
// the conversation id, so events of one conversation stay ordered.
type MessageCreated struct {
	Event          string         `json:"event"`
	ConversationID string         `json:"conversationId"`
	Receiver       string         `json:"receiver"`
	Message        *store.Message `json:"message"`
}

// Publisher writes records from a bounded queue on its own goroutine, so a
// slow broker never holds up the caller.
type Publisher struct {
	writer   IKafkaWriter
	maxBytes int

	mu     sync.Mutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

func NewPublisher(writer IKafkaWriter, maxBytes int) *Publisher {
	return newPublisher(writer, maxBytes, queueSize)
}

func newPublisher(writer IKafkaWriter, maxBytes, size int) *Publisher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	p := &Publisher{
		writer:   writer,
		maxBytes: maxBytes,
		queue:    make(chan kafka.Message, size),
		done:     make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// NewKafkaWriter creates a writer that hashes keys onto partitions.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
}

// MessageCreated queues a message-created record. It fails only when the
// record can not be built or queued; write errors are logged.
func (p *Publisher) MessageCreated(ctx context.Context, convID, receiver string, m *store.Message) error {
	value, err := json.Marshal(&MessageCreated{
		Event:          EventMessageCreated,
		ConversationID: convID,
		Receiver:       receiver,
		Message:        m,
	})
	if err != nil {
		return fmt.Errorf("error marshal message %s: %v", m.ID, err)
	}
	if len(value) > p.maxBytes {
		return fmt.Errorf("message %s exceeds max limit: %d bytes", m.ID, p.maxBytes)
	}

	km := kafka.Message{
		Key:   []byte(convID),
		Value: value,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- km:
		return nil
	default:
		return fmt.Errorf("message %s: %w", m.ID, ErrQueueFull)
	}
}

func (p *Publisher) writeLoop() {
	defer close(p.done)
	for km := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
		err := p.writer.WriteMessages(ctx, km)
		cancel()
		if err != nil {
			glog.Errorf("error write to kafka, key: %s, err: %v", km.Key, err)
			continue
		}
		glog.V(5).Infof("published %s, key: %s", EventMessageCreated, km.Key)
	}
}

// Close flushes queued records and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
