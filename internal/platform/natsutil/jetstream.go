package natsutil

import (
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(subject string, payload []byte) error
}

type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(subject string, payload []byte) error {
	_, err := p.JS.Publish(subject, payload)
	return err
}

// JetStreamSource delivers only messages published after the subscription
// starts; late joiners load current state from the store instead.
type JetStreamSource struct {
	JS nats.JetStreamContext
}

func (s JetStreamSource) Subscribe(subject string, handler func(payload []byte)) (func() error, error) {
	sub, err := s.JS.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}
