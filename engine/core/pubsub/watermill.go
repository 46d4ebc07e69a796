package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

const (
	metaSequence  = "mywant_seq"
	metaTimestamp = "mywant_ts"

	defaultRetain      = 256
	defaultConsumerBuf = 128
)

// WatermillPubSub runs the bus on Watermill's gochannel transport and keeps
// a bounded per-topic history so late subscribers can catch up.
type WatermillPubSub struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	ctx        context.Context
	cancel     context.CancelFunc
	log        zerolog.Logger

	// publishes are serialized so sequence order equals delivery order
	pubMu sync.Mutex

	cacheMu     sync.RWMutex
	seq         map[string]int64
	history     map[string][]*Message
	maxRetain   int
	consumerBuf int

	subMu         sync.Mutex
	subscriptions map[string]*SubscriptionImpl
}

type TopicStats struct {
	LastSequence  int64
	Retained      int
	ConsumerCount int
}

// NewInMemoryPubSub creates a Watermill-backed bus.
func NewInMemoryPubSub() *WatermillPubSub {
	logger := newWatermillLogger(logging.For("pubsub"))
	ch := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            defaultConsumerBuf,
			BlockPublishUntilSubscriberAck: true,
		},
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &WatermillPubSub{
		publisher:     ch,
		subscriber:    ch,
		ctx:           ctx,
		cancel:        cancel,
		log:           logging.For("pubsub"),
		seq:           make(map[string]int64),
		history:       make(map[string][]*Message),
		maxRetain:     defaultRetain,
		consumerBuf:   defaultConsumerBuf,
		subscriptions: make(map[string]*SubscriptionImpl),
	}
}

func (ps *WatermillPubSub) SetRetain(n int) {
	ps.cacheMu.Lock()
	defer ps.cacheMu.Unlock()
	ps.maxRetain = n
}

func (ps *WatermillPubSub) SetConsumerBuf(size int) {
	ps.cacheMu.Lock()
	defer ps.cacheMu.Unlock()
	ps.consumerBuf = size
}

func (ps *WatermillPubSub) GetStats(topic string) TopicStats {
	ps.cacheMu.RLock()
	stats := TopicStats{LastSequence: ps.seq[topic], Retained: len(ps.history[topic])}
	ps.cacheMu.RUnlock()

	ps.subMu.Lock()
	defer ps.subMu.Unlock()
	suffix := ":" + topic
	for key := range ps.subscriptions {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			stats.ConsumerCount++
		}
	}
	return stats
}

// Publish assigns the next sequence number, retains the message and hands
// it to every current subscriber.
func (ps *WatermillPubSub) Publish(topic string, payload []byte) (*Message, error) {
	if ps.ctx.Err() != nil {
		return nil, fmt.Errorf("publish on closed bus")
	}
	ps.pubMu.Lock()
	defer ps.pubMu.Unlock()

	ps.cacheMu.Lock()
	ps.seq[topic]++
	msg := &Message{
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		Sequence:  ps.seq[topic],
		Timestamp: time.Now(),
	}
	ps.history[topic] = append(ps.history[topic], msg)
	if over := len(ps.history[topic]) - ps.maxRetain; over > 0 {
		ps.history[topic] = ps.history[topic][over:]
	}
	ps.cacheMu.Unlock()

	wMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	wMsg.Metadata.Set(metaSequence, strconv.FormatInt(msg.Sequence, 10))
	wMsg.Metadata.Set(metaTimestamp, msg.Timestamp.Format(time.RFC3339Nano))
	if err := ps.publisher.Publish(topic, wMsg); err != nil {
		return nil, fmt.Errorf("watermill publish failed: %w", err)
	}
	return msg, nil
}

// Subscribe attaches consumerID to topic. Subscribing twice with the same
// consumer returns the existing subscription.
func (ps *WatermillPubSub) Subscribe(topic, consumerID string, after int64) (Subscription, error) {
	key := consumerID + ":" + topic
	ps.subMu.Lock()
	defer ps.subMu.Unlock()
	if sub, ok := ps.subscriptions[key]; ok {
		return sub, nil
	}

	subCtx, subCancel := context.WithCancel(ps.ctx)
	messages, err := ps.subscriber.Subscribe(subCtx, topic)
	if err != nil {
		subCancel()
		return nil, fmt.Errorf("watermill subscribe failed: %w", err)
	}

	// replay is taken after the live subscription exists, so nothing published in
	// between is lost; duplicates are skipped by sequence below
	ps.cacheMu.RLock()
	var replay []*Message
	if after >= 0 {
		for _, m := range ps.history[topic] {
			if m.Sequence > after {
				replay = append(replay, m)
			}
		}
	}
	bufSize := ps.consumerBuf
	ps.cacheMu.RUnlock()

	out := make(chan *Message, bufSize+len(replay))
	last := after
	for _, m := range replay {
		out <- m
		last = m.Sequence
	}

	sub := &SubscriptionImpl{MsgChan: out, Ctx: subCtx, Cancel: subCancel}
	ps.subscriptions[key] = sub

	go func() {
		defer close(out)
		defer ps.forget(key, sub)
		for {
			select {
			case <-subCtx.Done():
				return
			case wMsg, ok := <-messages:
				if !ok {
					return
				}
				m := decode(topic, wMsg)
				wMsg.Ack()
				if m == nil || m.Sequence <= last {
					continue
				}
				last = m.Sequence
				select {
				case out <- m:
				default:
					ps.log.Warn().Str("topic", topic).Str("consumer", consumerID).Int64("seq", m.Sequence).Msg("[PUBSUB] consumer buffer full, message dropped")
				}
			}
		}
	}()
	return sub, nil
}

func decode(topic string, wMsg *message.Message) *Message {
	seq, err := strconv.ParseInt(wMsg.Metadata.Get(metaSequence), 10, 64)
	if err != nil {
		return nil
	}
	ts, _ := time.Parse(time.RFC3339Nano, wMsg.Metadata.Get(metaTimestamp))
	return &Message{Topic: topic, Payload: wMsg.Payload, Sequence: seq, Timestamp: ts}
}

func (ps *WatermillPubSub) forget(key string, sub *SubscriptionImpl) {
	ps.subMu.Lock()
	defer ps.subMu.Unlock()
	if ps.subscriptions[key] == sub {
		delete(ps.subscriptions, key)
	}
}

// IsSubscribed checks if a consumer is already subscribed to a topic.
func (ps *WatermillPubSub) IsSubscribed(topic, consumerID string) bool {
	ps.subMu.Lock()
	defer ps.subMu.Unlock()
	_, ok := ps.subscriptions[consumerID+":"+topic]
	return ok
}

// Unsubscribe stops a subscription.
func (ps *WatermillPubSub) Unsubscribe(topic, consumerID string) error {
	ps.subMu.Lock()
	defer ps.subMu.Unlock()
	key := consumerID + ":" + topic
	if sub, ok := ps.subscriptions[key]; ok {
		sub.Cancel()
		delete(ps.subscriptions, key)
	}
	return nil
}

// Close closes the entire PubSub system.
func (ps *WatermillPubSub) Close() error {
	ps.cancel()
	return ps.publisher.Close()
}

// watermillLogger routes Watermill's own logging into zerolog.
type watermillLogger struct {
	log    zerolog.Logger
	fields watermill.LogFields
}

func newWatermillLogger(log zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{log: log}
}

func (l *watermillLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range l.fields {
		e = e.Interface(k, v)
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.log.Error().Err(err), fields).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.log.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.log.Trace(), fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.log.Trace(), fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{log: l.log, fields: l.fields.Add(fields)}
}
