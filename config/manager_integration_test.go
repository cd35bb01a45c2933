//go:build integration

package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/natsclient"
	"github.com/SignalK/signalk-server-sub000/processor/priority"
)

func TestIntegration_ManagerSharesSettings(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := NewConfigManager(managerConfig(), tc.Client, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	defer first.Stop(time.Second)

	// a second server with an older file config adopts the bucket contents
	older := managerConfig()
	older.Version = "0.9.0"
	older.Settings.Name = "stale"
	second, err := NewConfigManager(older, tc.Client, nil)
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer second.Stop(time.Second)
	assert.Equal(t, "", second.GetConfig().Get().Settings.Name)

	updates := second.OnChange(KeySettings)
	<-updates

	settings := first.GetConfig().Get().Settings
	settings.SourcePriorities = map[string][]priority.Entry{
		"navigation.position": {{SourceRef: "gps.GP"}, {SourceRef: "ais.AI", Timeout: 3000}},
	}
	require.NoError(t, first.PutSettings(ctx, settings))

	select {
	case u := <-updates:
		got := u.Config.Get().Settings.SourcePriorities["navigation.position"]
		require.Len(t, got, 2)
		assert.Equal(t, "ais.AI", got[1].SourceRef)
	case <-time.After(5 * time.Second):
		t.Fatal("settings update not received")
	}
}
