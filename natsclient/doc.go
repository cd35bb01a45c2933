// Package natsclient wraps a NATS connection with a circuit breaker, JetStream
// streams and a compare-and-set KV store.
//
// The server uses it for three things: receiving deltas from remote
// providers on core NATS subjects, mirroring the fan-out into a JetStream
// stream, and watching the settings KV bucket for source priority changes.
//
// Failures feed a breaker. Every WithCircuitBreaker threshold failures it
// trips and JetStream calls fail fast with ErrCircuitOpen until the backoff
// elapses. The backoff starts at one second and doubles per trip up to the
// configured maximum; any success resets it.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("signalk-server"),
//	    natsclient.WithReconnect(-1, 2*time.Second),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.Subscribe(ctx, "signalk.delta.>", "", func(ctx context.Context, subject string, data []byte) {
//	    // handle one delta
//	})
//
// With WithMetrics the state of every stream passed to EnsureStream is read
// at scrape time and exported as signalk_jetstream_stream_* gauges.
//
// KVStore.UpdateWithRetry reads a key, applies a function to its value and
// writes it back with a revision check, retrying on concurrent updates.
//
// Tests that need a server use NewTestClient, which starts a NATS container
// through testcontainers.
package natsclient
