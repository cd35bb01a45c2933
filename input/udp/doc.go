// Package udp provides the UDP delta provider.
//
// Each datagram carries one or more Signal K deltas as JSON, separated by
// newlines. Every delta is checked against the delta schema and handed to
// the server under the configured provider id; malformed deltas are counted
// and dropped without affecting the rest of the datagram.
//
// The socket is read on its own goroutine into a bounded buffer that drops
// the oldest datagrams when the pipeline falls behind, so a slow consumer
// never blocks the socket.
//
//	in := udp.NewInput(udp.InputDeps{
//		Config:  config.UDPInputConfig{Port: 8375},
//		Handler: srv,
//	})
//	if err := in.Initialize(); err != nil {
//		return err
//	}
//	if err := in.Start(ctx); err != nil {
//		return err
//	}
//	defer in.Stop(5 * time.Second)
package udp
