package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Emitter publishes lifecycle envelopes. A nil Emitter, or one without a
// publisher, drops everything.
type Emitter struct {
	Pub   message.Publisher
	Topic string
	// RunID tags every envelope so one events log can hold several runs.
	RunID string
}

func NewEmitter(pub message.Publisher) *Emitter {
	return &Emitter{Pub: pub, Topic: TopicLifecycle}
}

func (e *Emitter) Emit(typ string, payload any) {
	if e == nil || e.Pub == nil {
		return
	}
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("drop lifecycle event")
		return
	}
	env.RunID = e.RunID
	b, err := env.MarshalJSONBytes()
	if err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("drop lifecycle event")
		return
	}
	topic := e.Topic
	if topic == "" {
		topic = TopicLifecycle
	}
	if err := e.Pub.Publish(topic, message.NewMessage(watermill.NewUUID(), b)); err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("publish lifecycle event")
	}
}
