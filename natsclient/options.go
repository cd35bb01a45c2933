package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SignalK/signalk-server-sub000/metric"
)

// ClientOption adjusts a Client before it connects. An option that
// rejects its arguments makes NewClient fail.
type ClientOption func(*Client) error

// WithName sets the connection name shown by the NATS server monitoring
// endpoints.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		if name != "" {
			c.connOpts = append(c.connOpts, nats.Name(name))
		}
		return nil
	}
}

// WithReconnect sets how often the connection is re-established after a
// drop. max -1 retries forever; a wait of zero keeps the default.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		if wait < 0 {
			return fmt.Errorf("reconnect wait must not be negative, got %v", wait)
		}
		c.maxReconnects = max
		if wait > 0 {
			c.reconnectWait = wait
		}
		return nil
	}
}

// WithTimeout bounds the initial dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithHealthInterval sets how often the connection is probed with a
// round trip. Zero turns probing off.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.healthInterval = d
		return nil
	}
}

// WithMessageTimeout bounds the context each subscription handler gets.
func WithMessageTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("message timeout must be positive, got %v", d)
		}
		c.messageTimeout = d
		return nil
	}
}

// WithCircuitBreaker trips the breaker after threshold failures in a row
// and caps the doubling backoff at maxBackoff.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return fmt.Errorf("circuit breaker threshold must be positive, got %d", threshold)
		}
		if maxBackoff < initialBackoff {
			return fmt.Errorf("max backoff must be at least %v, got %v", initialBackoff, maxBackoff)
		}
		c.breaker = newBreaker(threshold, maxBackoff)
		return nil
	}
}

// WithCredentials authenticates with a user and password.
func WithCredentials(user, password string) ClientOption {
	return func(c *Client) error {
		if user == "" {
			return fmt.Errorf("credentials need a user name")
		}
		c.connOpts = append(c.connOpts, nats.UserInfo(user, password))
		return nil
	}
}

// WithToken authenticates with a bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		if token != "" {
			c.connOpts = append(c.connOpts, nats.Token(token))
		}
		return nil
	}
}

// WithTLS turns on TLS. The client certificate pair and CA bundle are
// each optional.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("TLS client certificate needs both cert and key files")
		}
		if certFile != "" {
			c.connOpts = append(c.connOpts, nats.ClientCert(certFile, keyFile))
		}
		if caFile != "" {
			c.connOpts = append(c.connOpts, nats.RootCAs(caFile))
		}
		c.connOpts = append(c.connOpts, nats.Secure())
		return nil
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics reports connection and breaker state through the core
// metrics and exposes the state of every stream created with EnsureStream.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		streams := newStreamCollector(c.logger)
		if err := registry.Register("jetstream", "streams", streams); err != nil {
			return err
		}
		c.metrics = registry.CoreMetrics()
		c.streams = streams
		return nil
	}
}
