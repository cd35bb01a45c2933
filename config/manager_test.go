package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managerConfig() *Config {
	cfg := Defaults()
	cfg.Settings.SelfID = "urn:mrn:imo:mmsi:230099999"
	return cfg
}

func TestMatches(t *testing.T) {
	tests := []struct {
		key, pattern string
		want         bool
	}{
		{"settings", "settings", true},
		{"settings", "*", true},
		{"settings", "set*", true},
		{"security", "settings", false},
		{"logging", "sec*", false},
		{"settings", "[", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matches(tt.key, tt.pattern), "%s ~ %s", tt.key, tt.pattern)
	}
}

func TestManager_OnChangeSendsCurrentConfig(t *testing.T) {
	cm := newManager(managerConfig(), nil, nil)

	ch := cm.OnChange("settings")
	select {
	case u := <-ch:
		assert.Equal(t, "settings", u.Path)
		assert.Equal(t, "urn:mrn:imo:mmsi:230099999", u.Config.Get().Settings.SelfID)
	default:
		t.Fatal("expected initial update")
	}
}

func TestManager_HandleUpdateAppliesSettings(t *testing.T) {
	cm := newManager(managerConfig(), nil, nil)
	settingsCh := cm.OnChange("settings")
	loggingCh := cm.OnChange("logging")
	<-settingsCh
	<-loggingCh

	cm.handleUpdate(KeySettings, []byte(`{
		"selfId": "urn:mrn:imo:mmsi:230012345",
		"sourcePriorities": {"navigation.speedOverGround": [
			{"sourceRef": "gps.GP", "timeout": 0},
			{"sourceRef": "ais.AI", "timeout": 5000}
		]}
	}`))

	select {
	case u := <-settingsCh:
		got := u.Config.Get().Settings
		assert.Equal(t, "urn:mrn:imo:mmsi:230012345", got.SelfID)
		require.Len(t, got.SourcePriorities["navigation.speedOverGround"], 2)
		assert.Equal(t, int64(5000), got.SourcePriorities["navigation.speedOverGround"][1].Timeout)
	case <-time.After(time.Second):
		t.Fatal("expected settings update")
	}

	select {
	case <-loggingCh:
		t.Fatal("logging subscriber should not see settings update")
	default:
	}

	// other sections are untouched
	assert.Equal(t, "info", cm.GetConfig().Get().Logging.Level)
}

func TestManager_HandleUpdateRejectsInvalid(t *testing.T) {
	cm := newManager(managerConfig(), nil, nil)
	ch := cm.OnChange("*")
	<-ch

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown key", "plugins", `{}`},
		{"bad json", KeySettings, `{`},
		{"missing self id", KeySettings, `{"name": "no id"}`},
		{"duplicate priority", KeySettings, `{"selfId":"x","sourcePriorities":{"a":[{"sourceRef":"s"},{"sourceRef":"s"}]}}`},
		{"bad acl", KeySecurity, `{"acls":[{"context":"*","path":"*","permission":"ADMIN"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm.handleUpdate(tt.key, []byte(tt.value))
			select {
			case <-ch:
				t.Fatal("invalid update must not notify")
			default:
			}
			assert.Equal(t, "urn:mrn:imo:mmsi:230099999", cm.GetConfig().Get().Settings.SelfID)
		})
	}
}

func TestManager_VersionKeyIgnored(t *testing.T) {
	cm := newManager(managerConfig(), nil, nil)
	ch := cm.OnChange("*")
	<-ch

	cm.handleUpdate(KeyVersion, []byte("9.9.9"))
	select {
	case <-ch:
		t.Fatal("version key must not notify")
	default:
	}
}

func TestManager_StopClosesSubscribers(t *testing.T) {
	cm := newManager(managerConfig(), nil, nil)
	ch := cm.OnChange("settings")
	<-ch

	require.NoError(t, cm.Stop(time.Second))
	_, ok := <-ch
	assert.False(t, ok)

	// idempotent
	require.NoError(t, cm.Stop(time.Second))
	cm.handleUpdate(KeySettings, []byte(`{"selfId":"other"}`))
	assert.Equal(t, "urn:mrn:imo:mmsi:230099999", cm.GetConfig().Get().Settings.SelfID)
}

func TestManager_OnChangeAfterStop(t *testing.T) {
	cm := newManager(managerConfig(), nil, nil)
	require.NoError(t, cm.Stop(time.Second))

	ch := cm.OnChange("*")
	u, ok := <-ch
	require.True(t, ok, "current configuration is still delivered")
	assert.Equal(t, "*", u.Path)
	_, ok = <-ch
	assert.False(t, ok)
}
