//go:build integration

package integrationtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/lakehouse"
	"github.com/birdayz/lakehouse/internal/config"
	"github.com/birdayz/lakehouse/internal/execution"
	"github.com/birdayz/lakehouse/internal/notify"
	"github.com/birdayz/lakehouse/internal/objstore"
	"github.com/birdayz/lakehouse/internal/parquet"
	"github.com/birdayz/lakehouse/trip"
	"github.com/birdayz/lakehouse/window"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
	bucket        = "nyc-taxi"
)

// startMinio runs a MinIO server and returns its host:port.
func startMinio(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		Cmd:          []string{"server", "/data"},
		Env:          map[string]string{"MINIO_ROOT_USER": minioUser, "MINIO_ROOT_PASSWORD": minioPassword},
		ExposedPorts: []string{"9000/tcp"},
		WaitingFor:   wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	assert.NoError(t, err)
	port, err := container.MappedPort(ctx, nat.Port("9000/tcp"))
	assert.NoError(t, err)
	return fmt.Sprintf("%s:%d", host, port.Int())
}

// startRedpanda runs a single Redpanda broker on a fixed host port.
func startRedpanda(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	port, err := getFreePort()
	assert.NoError(t, err)
	req := testcontainers.ContainerRequest{
		Image:      "docker.vectorized.io/vectorized/redpanda:latest",
		WaitingFor: wait.ForLog("Successfully started Redpanda!"),
		User:       "root:root",
		Cmd: []string{
			"redpanda",
			"start",
			"--smp", "1",
			"--reserve-memory", "0M",
			"--overprovisioned",
			"--node-id", "0",
			"--kafka-addr", fmt.Sprintf("OUTSIDE://0.0.0.0:%d", port),
		},
		ExposedPorts: []string{fmt.Sprintf("%d:%d/tcp", port, port)},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	assert.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%d", port)))
	assert.NoError(t, err)
	return []string{fmt.Sprintf("%s:%d", host, mapped.Int())}
}

func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func uploadTrips(t *testing.T, store *objstore.Client, key string, rows [][]any) {
	t.Helper()
	ctx := context.Background()
	r, err := parquet.NewReader()
	assert.NoError(t, err)
	defer r.Close()
	p := filepath.Join(t.TempDir(), "part.parquet")
	assert.NoError(t, r.Write(ctx, p, []string{
		trip.FieldVendorID, trip.FieldPickup, trip.FieldDropoff, trip.FieldPULocationID, trip.FieldDOLocationID,
		trip.FieldTripDistance, trip.FieldTotalAmount, trip.FieldPaymentType,
	}, rows))
	data, err := os.ReadFile(p)
	assert.NoError(t, err)
	assert.NoError(t, store.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), "application/octet-stream"))
}

func TestLakehouseWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("containers are slow to start")
	}
	ctx := context.Background()
	endpoint := startMinio(t)
	brokers := startRedpanda(t)

	t.Setenv("MINIO_ENDPOINT", endpoint)
	t.Setenv("MINIO_ACCESS_KEY", minioUser)
	t.Setenv("MINIO_SECRET_KEY", minioPassword)
	cfg, err := config.Load(filepath.Join("..", "config", "lakehouse.yaml"))
	assert.NoError(t, err)
	dir := t.TempDir()
	cfg.Warehouse.DSN = filepath.Join(dir, "lakehouse.duckdb")
	cfg.Ledger.Path = filepath.Join(dir, "ledger.db")
	cfg.Batch.TempLocation = dir
	cfg.Kafka.Brokers = brokers
	cfg.Orchestrator.Retry.InitialInterval = 10 * time.Millisecond

	store, err := objstore.New(objstore.Config{Endpoint: endpoint, AccessKey: minioUser, SecretKey: minioPassword}, lakehouse.NullLogger())
	assert.NoError(t, err)
	assert.NoError(t, store.EnsureBucket(ctx, bucket))

	w := window.Containing(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	uploadTrips(t, store, "raw/green/2024/01/01/10/part-0.parquet", [][]any{
		{"2", "2024-01-01T10:00:00", "2024-01-01T10:15:00", "74", "42", "2.5", "18.3", "1"},
		{"1", "2024-01-01T10:20:00", "2024-01-01T10:10:00", "1", "2", "1.0", "7.0", "2"},
	})
	lookup := []byte("LocationID,Borough,Zone,service_zone\n74,Manhattan,East Harlem North,Boro Zone\n")
	assert.NoError(t, store.Put(ctx, bucket, "lookup/taxi_zone_lookup.csv", bytes.NewReader(lookup), int64(len(lookup)), "text/csv"))

	app, err := lakehouse.New(ctx, cfg)
	assert.NoError(t, err)
	defer app.Close()

	rep, err := app.RunWindow(ctx, w)
	assert.NoError(t, err)
	assert.Equal(t, execution.WindowSucceeded, rep.Status)

	st, _ := rep.Stage(lakehouse.StageLoadBronzeTrips)
	assert.Equal(t, execution.StatusSucceeded, st.Status)

	t.Run("report is published", func(t *testing.T) {
		kcl, err := kgo.NewClient(
			kgo.SeedBrokers(brokers...),
			kgo.ConsumeTopics(cfg.Kafka.ReportTopic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		)
		assert.NoError(t, err)
		defer kcl.Close()

		pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		fetches := kcl.PollFetches(pctx)
		assert.NoError(t, fetches.Err())
		records := fetches.Records()
		assert.Equal(t, 1, len(records))
		assert.Equal(t, w.Key(), string(records[0].Key))

		var msg notify.ReportMessage
		assert.NoError(t, json.Unmarshal(records[0].Value, &msg))
		assert.Equal(t, "SUCCEEDED", msg.Status)
		assert.Equal(t, 11, len(msg.Stages))
	})

	t.Run("bucket notification triggers its window", func(t *testing.T) {
		topic := "minio-events"
		kcl, err := kgo.NewClient(kgo.SeedBrokers(brokers...), kgo.DefaultProduceTopic(topic))
		assert.NoError(t, err)
		defer kcl.Close()
		assert.NoError(t, notify.EnsureTopics(ctx, kcl, 1, 1, topic))

		event := []byte(`{"EventName":"s3:ObjectCreated:Put","Key":"nyc-taxi/raw/green/2024/01/01/11/part-0.parquet",
			"Records":[{"eventName":"s3:ObjectCreated:Put","s3":{"bucket":{"name":"nyc-taxi"},
			"object":{"key":"raw%2Fgreen%2F2024%2F01%2F01%2F11%2Fpart-0.parquet"}}}]}`)
		assert.NoError(t, kcl.ProduceSync(ctx, &kgo.Record{Value: event}).FirstErr())

		trigger, err := notify.NewTrigger(brokers, "lakehouse-it", topic, bucket, cfg.Storage.BasePrefix, lakehouse.NullLogger())
		assert.NoError(t, err)
		defer trigger.Close()

		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		got := make(chan window.Window, 1)
		go func() {
			_ = trigger.Run(rctx, func(_ context.Context, w window.Window) {
				select {
				case got <- w:
				default:
				}
			})
		}()

		select {
		case w := <-got:
			assert.Equal(t, "2024010111", w.Key())
		case <-rctx.Done():
			t.Fatal("no window triggered")
		}
	})
}
