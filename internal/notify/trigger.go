package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7/pkg/notification"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/lakehouse/internal/discovery"
	"github.com/birdayz/lakehouse/window"
)

// bucketEvent is the value MinIO writes to a Kafka notification target.
type bucketEvent struct {
	EventName string               `json:"EventName"`
	Key       string               `json:"Key"`
	Records   []notification.Event `json:"Records"`
}

// ParseEvent returns the windows touched by object-created records of a
// bucket notification. Objects outside bucket or outside any window input
// are ignored.
func ParseEvent(data []byte, bucket, basePrefix string) ([]window.Window, error) {
	var ev bucketEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode bucket event: %w", err)
	}
	seen := map[string]bool{}
	var out []window.Window
	for _, r := range ev.Records {
		if !strings.HasPrefix(r.EventName, "s3:ObjectCreated:") || r.S3.Bucket.Name != bucket {
			continue
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			key = r.S3.Object.Key
		}
		w, ok := discovery.WindowOf(basePrefix, key)
		if !ok || seen[w.Key()] {
			continue
		}
		seen[w.Key()] = true
		out = append(out, w)
	}
	return out, nil
}

// Trigger consumes bucket notifications and hands the affected windows to a
// callback.
type Trigger struct {
	client     *kgo.Client
	bucket     string
	basePrefix string
	log        *slog.Logger
}

func NewTrigger(brokers []string, group, topic, bucket, basePrefix string, log *slog.Logger) (*Trigger, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
	)
	if err != nil {
		return nil, err
	}
	return &Trigger{client: client, bucket: bucket, basePrefix: basePrefix, log: log.With("topic", topic)}, nil
}

// Run polls until ctx is done or the client is closed. Windows are
// deduplicated per poll.
func (t *Trigger) Run(ctx context.Context, fn func(ctx context.Context, w window.Window)) error {
	for {
		f := t.client.PollFetches(ctx)
		if f.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		f.EachError(func(topic string, partition int32, err error) {
			t.log.Error("Fetch failed", "partition", partition, "error", err)
		})

		seen := map[string]bool{}
		f.EachRecord(func(rec *kgo.Record) {
			ws, err := ParseEvent(rec.Value, t.bucket, t.basePrefix)
			if err != nil {
				t.log.Warn("Dropping malformed bucket event", "offset", rec.Offset, "error", err)
				return
			}
			for _, w := range ws {
				if seen[w.Key()] {
					continue
				}
				seen[w.Key()] = true
				t.log.Info("Object created, triggering window", "window", w.Key())
				fn(ctx, w)
			}
		})
	}
}

func (t *Trigger) Close() {
	t.client.Close()
}
