//go:build integration

package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/natsclient"
	"github.com/SignalK/signalk-server-sub000/server"
)

func TestIntegration_DeltasReachStream(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, err := server.New(config.Settings{SelfID: "urn:mrn:imo:mmsi:230099999"})
	require.NoError(t, err)

	out := NewOutput(OutputDeps{Publisher: tc.Client, Source: srv})
	require.NoError(t, out.Initialize())
	require.NoError(t, out.Start(ctx))
	defer out.Stop(5 * time.Second)

	srv.HandleMessage("serial0", &delta.Delta{Updates: []delta.Update{{
		Source: &delta.Source{Type: "NMEA0183", Talker: "GP"},
		Values: []delta.PathValue{{Path: "navigation.courseOverGroundTrue", Value: 1.57}},
	}}}, server.V1)

	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	consumer, err := js.CreateOrUpdateConsumer(ctx, config.DefaultOutputStream, jetstream.ConsumerConfig{
		FilterSubject: "signalk.out.vessels",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	var msg jetstream.Msg
	require.Eventually(t, func() bool {
		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(200*time.Millisecond))
		if err != nil {
			return false
		}
		for m := range batch.Messages() {
			msg = m
		}
		return msg != nil
	}, 10*time.Second, 50*time.Millisecond)

	var d delta.Delta
	require.NoError(t, json.Unmarshal(msg.Data(), &d))
	assert.Equal(t, srv.SelfContext(), d.Context)
	assert.Equal(t, "serial0.GP", d.Updates[0].SourceRef)
	assert.NoError(t, msg.Ack())
}
