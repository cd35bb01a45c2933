//go:build integration

package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/natsclient"
	"github.com/SignalK/signalk-server-sub000/server"
)

func TestIntegration_DeltasReachDocument(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(config.Settings{SelfID: "urn:mrn:imo:mmsi:230099999"})
	require.NoError(t, err)

	in := NewInput(InputDeps{Subscriber: tc.Client, Handler: srv})
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(ctx))
	defer in.Stop(time.Second)

	payload := []byte(`{"updates":[{"source":{"type":"NMEA0183","talker":"GP"},
		"values":[{"path":"navigation.courseOverGroundTrue","value":1.57}]}]}`)
	require.NoError(t, tc.Client.Publish(ctx, "signalk.delta.serial0", payload))

	path := srv.SelfContext() + ".navigation.courseOverGroundTrue"
	assert.Eventually(t, func() bool {
		v, ok := srv.Document().Get(path + ".value")
		return ok && v == 1.57
	}, 5*time.Second, 20*time.Millisecond)

	src, ok := srv.Document().Get(path + ".$source")
	require.True(t, ok)
	assert.Equal(t, "serial0.GP", src)
}
