// Package websocket serves the Signal K streaming interface,
// /signalk/v1/stream by default.
//
// A client first receives the hello message. The subscribe query parameter
// then selects the live feed attached for the connection:
//
//	subscribe=self  deltas for the own vessel (default)
//	subscribe=all   every delta
//	subscribe=none  nothing until the client subscribes
//
// Unless sendCachedValues=false is given, the latest cached values for the
// same selection follow the hello.
//
// Clients may send three kinds of messages:
//
//	{"updates": [...]}                                 a delta, subject to write authorization
//	{"context": "vessels.*", "subscribe": [...]}       add subscriptions
//	{"context": "*", "unsubscribe": [{"path": "*"}]}   drop every subscription and the live feed
//
// Any other unsubscribe shape is answered with an error message and the
// connection is closed.
//
// # Slow clients
//
// Outgoing messages are queued per client and written by one goroutine.
// When the queued bytes exceed the backpressure enter threshold, deltas are
// coalesced to the latest value per path and source; once the queue drains
// to the exit threshold they are sent as one delta marked with
// $backpressure. A client whose queue stays above max_send_buffer for
// max_send_buffer_time is disconnected.
//
// # Usage
//
//	out := websocket.NewOutput(websocket.OutputDeps{
//		Config:          cfg.Interfaces.WS,
//		Server:          srv,
//		TLS:             cfg.Security.TLS.Server,
//		MetricsRegistry: registry,
//	})
//	manager.Register("ws", out)
package websocket
