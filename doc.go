// Package signalk is the core of a Signal K marine data server: it takes
// delta messages from data providers, keeps the full vessel data model up
// to date, and streams filtered updates to subscribed clients.
//
// # Data Flow
//
// Every delta passes through the same pipeline, whichever input it came in
// on:
//
//	┌──────────────┐   ┌──────────────┐   ┌──────────────┐
//	│  NATS input  │   │  UDP input   │   │  WS client   │  providers
//	└──────┬───────┘   └──────┬───────┘   └──────┬───────┘
//	       └──────────────────┼──────────────────┘
//	                          ↓ server.HandleMessage
//	┌─────────────────────────────────────────────────────┐
//	│  processor/deltachain   registered input handlers   │
//	│  processor/priority     source precedence filter    │
//	└──────────────────────────┬──────────────────────────┘
//	                           ↓
//	   document (full model)   deltacache   streambundle (topic bus)
//	                                              ↓
//	                                   subscription.Manager
//	                                              ↓
//	               output/websocket clients    output/nats mirror
//
// # Packages
//
// Domain:
//   - delta: the Delta wire type, parsing and schema validation
//   - document: the nested full data model with per-source values
//   - processor/deltachain: ordered input handler chain run before ingestion
//   - processor/priority: per-path source precedence with timeouts
//   - streambundle: per-path and all-values topics with late joiners
//   - deltacache: last value per context, path and source for replay
//   - subscription: subscribe/unsubscribe handling, policies and filters
//   - backpressure: accumulation of latest values for slow clients
//   - security: per-context read and write permissions
//   - server: wires the above together as one lifecycle component
//
// Interfaces:
//   - input/nats: provider deltas published on NATS subjects
//   - input/udp: newline separated deltas in UDP datagrams
//   - output/nats: every applied delta mirrored to NATS or JetStream
//   - output/websocket: the Signal K streaming endpoint
//
// Infrastructure:
//   - config: settings file loading, env overrides and KV-backed updates
//   - component: lifecycle contract and start/stop ordering
//   - natsclient: connection management, JetStream and KV helpers
//   - metric, health: Prometheus registry and the health endpoint
//   - errors: classified errors (transient, invalid, fatal)
//   - pkg/*: buffers, caches, retry, timestamps, TLS and worker pools
//
// # Running
//
//	signalk-server --config settings.json
//	signalk-server --config settings.yaml --log-format text --debug
//	signalk-server --config settings.json --validate
//
// A settings file needs at least a selfId; without one a urn:mrn:signalk
// uuid is generated for the run and a warning is logged.
package signalk
