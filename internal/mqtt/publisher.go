package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/ingest"
)

// publishClient is the part of Client used by Publisher.
type publishClient interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Publisher sends report events as JSON to "<topic>/<plane>".
type Publisher struct {
	client publishClient
	topic  string
}

var _ ingest.Publisher = (*Publisher)(nil)

// NewPublisher returns a publisher rooted at topic.
func NewPublisher(client publishClient, topic string) *Publisher {
	topic = strings.TrimRight(strings.TrimSpace(topic), "/")
	if topic == "" {
		topic = "fetalscan/reports"
	}
	return &Publisher{client: client, topic: topic}
}

// Topic returns the topic used for plane.
func (p *Publisher) Topic(plane string) string {
	return p.topic + "/" + plane
}

// PublishReport implements ingest.Publisher.
func (p *Publisher) PublishReport(ctx context.Context, event ingest.ReportEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategorySystem).
			Context("operation", "marshal_report_event").
			Build()
	}
	return p.client.Publish(ctx, p.Topic(string(event.Plane)), payload)
}
