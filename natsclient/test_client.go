package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testImage        = "nats:2.11.7-alpine"
	testTimeout      = 5 * time.Second
	testStartTimeout = 30 * time.Second
)

// TestClient is a Client connected to a throwaway NATS container.
type TestClient struct {
	Client *Client
	URL    string
}

type testServer struct {
	jetstream bool
	buckets   []string
}

type TestOption func(*testServer)

// WithJetStream starts the server with -js.
func WithJetStream() TestOption {
	return func(s *testServer) { s.jetstream = true }
}

// WithKVBuckets implies WithJetStream and creates the buckets up front.
func WithKVBuckets(buckets ...string) TestOption {
	return func(s *testServer) {
		s.jetstream = true
		s.buckets = append(s.buckets, buckets...)
	}
}

// NewTestClient starts the container, connects, and registers cleanup on t.
// It needs a Docker daemon.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	var srv testServer
	for _, opt := range opts {
		opt(&srv)
	}
	ctx := context.Background()

	args := []string{"--port", "4222", "--http_port", "8222"}
	if srv.jetstream {
		args = append(args, "--js")
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        testImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(testStartTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("NATS endpoint: %v", err)
	}

	client, err := NewClient(endpoint,
		WithTimeouts(testTimeout, 0),
		WithReconnect(0, 0),
		WithHealthInterval(0),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	// Registered after Terminate, so it runs first.
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	for _, bucket := range srv.buckets {
		if _, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket}); err != nil {
			t.Fatalf("create KV bucket %s: %v", bucket, err)
		}
	}
	return &TestClient{Client: client, URL: endpoint}
}

// KVStore opens or creates bucket.
func (tc *TestClient) KVStore(ctx context.Context, bucket string) (*KVStore, error) {
	kv, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	return tc.Client.NewKVStore(kv), nil
}
