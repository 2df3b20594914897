package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/lakehouse/internal/execution"
)

// Publisher writes window reports to a topic. It implements
// execution.Listener.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

func NewPublisher(brokers []string, topic string, log *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: topic, log: log}, nil
}

// EnsureTopics creates topics that do not exist yet.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, replication int16, topics ...string) error {
	resp, err := kadm.NewClient(client).CreateTopics(ctx, partitions, replication, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

// EnsureTopic creates the report topic if needed.
func (p *Publisher) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	return EnsureTopics(ctx, p.client, partitions, replication, p.topic)
}

// Publish produces the report and waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, rep *execution.Report) error {
	value, err := json.Marshal(NewReportMessage(rep))
	if err != nil {
		return err
	}
	res := p.client.ProduceSync(ctx, &kgo.Record{
		Key:   []byte(rep.Window.Key()),
		Value: value,
	})
	if err := res.FirstErr(); err != nil {
		return fmt.Errorf("publish report %s: %w", rep.RunID, err)
	}
	return nil
}

func (p *Publisher) StageChanged(execution.Run, execution.Status, execution.StageState) {}

func (p *Publisher) RunFinished(rep *execution.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Publish(ctx, rep); err != nil {
		p.log.Error("Failed to publish window report", "window", rep.Window.Key(), "error", err)
	}
}

func (p *Publisher) Close() {
	p.client.Close()
}
