package mywant

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/core/pubsub"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

// EventsTopic carries every engine Event as JSON.
const EventsTopic = "mywant.events"

// BusSink publishes engine events onto a pubsub bus.
type BusSink struct {
	bus   pubsub.PubSub
	topic string
	log   zerolog.Logger
}

func NewBusSink(bus pubsub.PubSub) *BusSink {
	return &BusSink{bus: bus, topic: EventsTopic, log: logging.For("events")}
}

func (b *BusSink) Emit(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Str("want", ev.WantID).Str("type", string(ev.Type)).Msg("[EVENTS] encode failed")
		return
	}
	if _, err := b.bus.Publish(b.topic, payload); err != nil {
		b.log.Warn().Err(err).Str("want", ev.WantID).Msg("[EVENTS] publish failed")
	}
}

// DecodeEvent parses a payload produced by BusSink.
func DecodeEvent(msg *pubsub.Message) (Event, error) {
	var ev Event
	err := json.Unmarshal(msg.Payload, &ev)
	return ev, err
}
