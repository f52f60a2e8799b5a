package decisionlog

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
)

// PubSubRecorder publishes entries as JSON messages to a Pub/Sub topic.
type PubSubRecorder struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topic     string
}

// PubSubConfig holds configuration for the Pub/Sub recorder.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
}

// NewPubSubRecorder creates a recorder publishing to cfg.TopicID.
func NewPubSubRecorder(ctx context.Context, cfg PubSubConfig) (*PubSubRecorder, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	return &PubSubRecorder{
		client:    client,
		publisher: client.Publisher(cfg.TopicID),
		topic:     cfg.TopicID,
	}, nil
}

// Record implements Recorder. It blocks until the server acknowledges the
// message or ctx is done.
func (r *PubSubRecorder) Record(ctx context.Context, entry Entry) error {
	msg, err := NewMessage(entry)
	if err != nil {
		return err
	}

	if _, err := r.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (r *PubSubRecorder) Close() error {
	r.publisher.Stop()
	return r.client.Close()
}

// NewMessage encodes entry as a Pub/Sub message. Subscribers can filter on
// the decision attribute without decoding the body.
func NewMessage(entry Entry) (*pubsub.Message, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encoding decision entry: %w", err)
	}

	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"decision":   entry.EffectiveDecision,
			"request_id": entry.RequestID,
		},
	}, nil
}
