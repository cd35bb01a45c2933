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
	defaultNATSImage    = "nats:2.11.7-alpine"
	containerClientPort = "4222/tcp"
	containerHTTPPort   = "8222/tcp"
)

// TestClient is a Client connected to a throwaway NATS container.
type TestClient struct {
	Client *Client
	URL    string

	container testcontainers.Container
}

type testSetup struct {
	image        string
	jetstream    bool
	buckets      []string
	dialTimeout  time.Duration
	startTimeout time.Duration
}

// TestOption adjusts the container started by NewTestClient.
type TestOption func(*testSetup)

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(s *testSetup) { s.jetstream = true }
}

// WithKVBuckets creates the named buckets once connected. It turns on
// JetStream.
func WithKVBuckets(names ...string) TestOption {
	return func(s *testSetup) {
		s.jetstream = true
		s.buckets = append(s.buckets, names...)
	}
}

// NewTestClient starts a NATS container and connects to it. Both are torn
// down when t finishes.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	setup := testSetup{
		image:        defaultNATSImage,
		dialTimeout:  5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&setup)
	}

	ctx := context.Background()
	tc, err := setup.start(ctx)
	if err != nil {
		t.Fatalf("start NATS test client: %v", err)
	}
	t.Cleanup(tc.terminate)

	for _, name := range setup.buckets {
		if _, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name}); err != nil {
			t.Fatalf("create KV bucket %s: %v", name, err)
		}
	}
	return tc
}

func (s testSetup) start(ctx context.Context) (*TestClient, error) {
	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if s.jetstream {
		cmd = append(cmd, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        s.image,
			ExposedPorts: []string{containerClientPort, containerHTTPPort},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(containerClientPort),
				wait.ForHTTP("/healthz").WithPort(containerHTTPPort).WithStartupTimeout(s.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start NATS container: %w", err)
	}

	tc := &TestClient{container: container}
	if err := tc.connect(ctx, s.dialTimeout); err != nil {
		tc.terminate()
		return nil, err
	}
	return tc, nil
}

func (tc *TestClient) connect(ctx context.Context, timeout time.Duration) error {
	endpoint, err := tc.container.PortEndpoint(ctx, containerClientPort, "nats")
	if err != nil {
		return fmt.Errorf("resolve NATS endpoint: %w", err)
	}

	client, err := NewClient(endpoint,
		WithTimeout(timeout),
		WithReconnect(0, 0),
		WithHealthInterval(0),
	)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	tc.Client, tc.URL = client, endpoint
	return nil
}

func (tc *TestClient) terminate() {
	if tc.Client != nil {
		_ = tc.Client.Close(context.Background())
	}
	if tc.container != nil {
		_ = tc.container.Terminate(context.Background())
	}
}

// KVStore opens an existing bucket as a KVStore.
func (tc *TestClient) KVStore(ctx context.Context, bucket string) (*KVStore, error) {
	kv, err := tc.Client.GetKeyValueBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return tc.Client.NewKVStore(kv), nil
}
