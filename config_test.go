package omemo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/backends/omemo2"
	"github.com/meszmate/omemo-go/storage/memory"
)

func validConfig() Config[[]byte] {
	return Config[[]byte]{
		OwnBareJID:        "alice@example.com",
		Storage:           memory.New(),
		Transport:         newFakeTransport(newPEPServer()),
		Backends:          []RegisteredBackend[[]byte]{{Backend: omemo2.New(), Codec: backend.ByteCodec{}}},
		DefaultTrustLabel: "trusted",
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config[[]byte])
		valid  bool
	}{
		{name: "valid", mutate: func(c *Config[[]byte]) {}, valid: true},
		{name: "missing storage", mutate: func(c *Config[[]byte]) { c.Storage = nil }},
		{name: "missing transport", mutate: func(c *Config[[]byte]) { c.Transport = nil }},
		{name: "missing own JID", mutate: func(c *Config[[]byte]) { c.OwnBareJID = "" }},
		{name: "no backends", mutate: func(c *Config[[]byte]) { c.Backends = nil }},
		{name: "duplicate namespace", mutate: func(c *Config[[]byte]) {
			c.Backends = append(c.Backends, RegisteredBackend[[]byte]{Backend: omemo2.New(), Codec: backend.ByteCodec{}})
		}},
		{name: "missing default trust label", mutate: func(c *Config[[]byte]) { c.DefaultTrustLabel = "" }},
		{name: "rotation period too short", mutate: func(c *Config[[]byte]) {
			c.SignedPreKeyRotationPeriod = 24 * time.Hour
		}},
		{name: "rotation period in range", mutate: func(c *Config[[]byte]) {
			c.SignedPreKeyRotationPeriod = 14 * 24 * time.Hour
		}, valid: true},
		{name: "refill threshold too low", mutate: func(c *Config[[]byte]) { c.PreKeyRefillThreshold = 10 }},
		{name: "refill threshold too high", mutate: func(c *Config[[]byte]) { c.PreKeyRefillThreshold = 150 }},
		{name: "per-message cap above per-session", mutate: func(c *Config[[]byte]) {
			c.MaxSkippedKeysPerSession = 100
			c.MaxSkippedKeysPerMessage = 200
		}},
		{name: "per-message disabled with per-session enabled", mutate: func(c *Config[[]byte]) {
			c.MaxSkippedKeysPerMessage = SkippedKeysDisabled
		}},
		{name: "both caps disabled", mutate: func(c *Config[[]byte]) {
			c.MaxSkippedKeysPerSession = SkippedKeysDisabled
			c.MaxSkippedKeysPerMessage = SkippedKeysDisabled
		}, valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestSkippedKeyCapDefaults(t *testing.T) {
	cfg := validConfig()
	perSession, perMessage := cfg.skippedKeyCaps()
	require.Equal(t, 1000, perSession)
	require.Equal(t, 1000, perMessage)

	cfg.MaxSkippedKeysPerSession = 200
	perSession, perMessage = cfg.skippedKeyCaps()
	require.Equal(t, 200, perSession)
	require.Equal(t, 200, perMessage)

	cfg.MaxSkippedKeysPerMessage = 50
	_, perMessage = cfg.skippedKeyCaps()
	require.Equal(t, 50, perMessage)
}

func TestRandomRotationPeriodRange(t *testing.T) {
	for i := 0; i < 32; i++ {
		p := randomRotationPeriod()
		require.GreaterOrEqual(t, p, minRotationPeriod)
		require.LessOrEqual(t, p, maxRotationPeriod)
	}
}
