package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second
	kafkaPublishWait  = 3 * time.Second

	// EventMaxBytes limits an encoded event written to kafka.
	EventMaxBytes = 8192
)

// KafkaPublisher writes insert events keyed by conversation id, so that all
// events of one conversation land in one partition in commit order.
type KafkaPublisher struct {
	writer IKafkaWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		}),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e *Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("error marshal event: %s, err: %v", e, err)
	}
	if len(value) > EventMaxBytes {
		return fmt.Errorf("push: event exceeds max limit: %d bytes", EventMaxBytes)
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaPublishWait)
	defer cancel()
	km := kafka.Message{
		Key:   []byte(e.ConversationId),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaChannel reads the events topic with one consumer group per node and
// fans events out to in-process subscriptions. A fresh group starts from the
// oldest retained event, so no event committed after Start is skipped;
// replayed events are dropped by id on the receiving side.
type KafkaChannel struct {
	reader    IKafkaReader
	local     *Local
	retryWait time.Duration

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
}

func NewKafkaChannel(brokers []string, topic, groupId string) *KafkaChannel {
	return newKafkaChannel(kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupId,
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
		MaxBytes:    10 * EventMaxBytes,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	}))
}

func newKafkaChannel(reader IKafkaReader) *KafkaChannel {
	return &KafkaChannel{
		reader:    reader,
		local:     NewLocal(),
		retryWait: BackoffMinInterval,
	}
}

// Start runs the consume loop until ctx is done or Close is called.
func (c *KafkaChannel) Start(ctx context.Context) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed || c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
}

// Subscribe registers an in-process subscription; it sees every event the
// node consumes from now on.
func (c *KafkaChannel) Subscribe(ctx context.Context, filter Filter) (ISubscription, error) {
	return c.local.Subscribe(ctx, filter)
}

// Close stops the consume loop, closes the reader and ends all subscriptions.
func (c *KafkaChannel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	_ = c.local.Close()
	return c.reader.Close()
}

// Len returns the number of live subscriptions.
func (c *KafkaChannel) Len() int {
	return c.local.Len()
}

// consumeLoop forwards events to subscribers. A fetch error ends the live
// subscriptions, since events may have been missed, then retries with backoff.
func (c *KafkaChannel) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	glog.Info("push: kafka consume loop enter")
	defer glog.Info("push: kafka consume loop exit")

	var sleep time.Duration
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Errorf("push: fetch from kafka err: %v", err)
			c.local.Fail(fmt.Errorf("push: kafka fetch: %w", err))

			backoff(&sleep, c.retryWait)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		if e, err := decodeEvent(msg.Value); err != nil {
			glog.Errorf("push: failed to decode kafka msg at offset %d: %v", msg.Offset, err)
		} else if err := c.local.Publish(ctx, e); err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Errorf("push: publish %s err: %v", e, err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			glog.Errorf("push: commit to kafka err: %v", err)
		}
	}
}

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

func backoff(d *time.Duration, minWait time.Duration) {
	if *d == 0 {
		*d = minWait
		return
	}
	*d = time.Duration(float64(*d) * BackoffMultiplier)
	if *d < BackoffMaxInterval {
		*d = d.Truncate(time.Millisecond)
	} else {
		*d = minWait
	}
}
