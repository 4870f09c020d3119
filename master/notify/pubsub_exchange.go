package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// wireMessage is the identical envelope published on both exchanges.
type wireMessage struct {
	Signal  string  `json:"signal"`
	Payload Payload `json:"payload"`
}

// PubSubExchange publishes signals to one Cloud Pub/Sub topic. The master controller runs two of
// these, named "notifications" and "integrations_notifications".
type PubSubExchange struct {
	name  string
	topic *pubsub.Topic
}

// NewPubSubExchange wraps an already-created topic (callers create the "notifications" and
// "integrations_notifications" topics via client.CreateTopic/Topic during app wiring).
func NewPubSubExchange(name string, topic *pubsub.Topic) *PubSubExchange {
	return &PubSubExchange{name: name, topic: topic}
}

func (e *PubSubExchange) Name() string { return e.name }

func (e *PubSubExchange) Publish(ctx context.Context, signal string, payload Payload) error {
	data, err := json.Marshal(wireMessage{Signal: signal, Payload: payload})
	if err != nil {
		return fmt.Errorf("error marshaling notification payload: %w", err)
	}
	result := e.topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = result.Get(ctx)
	if err != nil {
		return fmt.Errorf("error publishing to exchange %q: %w", e.name, err)
	}
	return nil
}
