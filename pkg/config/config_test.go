package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ProviderMSG, cfg.Provider)
	assert.Equal(t, CompSpin, cfg.CompMethod)
	assert.Equal(t, 4, cfg.NoBuffers)
	assert.Equal(t, 65536, cfg.BufSize)
	assert.Equal(t, int64(100<<20), cfg.HWMBytes)
	assert.Equal(t, int64(50<<20), cfg.LWMBytes)
	assert.Equal(t, 16384, cfg.SlotSize())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FS_PROVIDER", "RDM")
	t.Setenv("FS_COMP_METHOD", "sread")
	t.Setenv("FS_NO_BUFFERS", "8")
	t.Setenv("FS_BUF_SIZE", "131072")
	t.Setenv("FS_DST_ADDR", "10.0.0.7")
	t.Setenv("FS_DST_PORT", "9400")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderRDM, cfg.Provider)
	assert.Equal(t, CompSRead, cfg.CompMethod)
	assert.Equal(t, 8, cfg.NoBuffers)
	assert.Equal(t, 16384, cfg.SlotSize())
	assert.Equal(t, "10.0.0.7", cfg.DstAddr)
	assert.Equal(t, 9400, cfg.DstPort)
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		return &Config{
			BufSize:    65536,
			NoBuffers:  4,
			Provider:   ProviderMSG,
			CompMethod: CompSpin,
			HWMBytes:   100,
			LWMBytes:   50,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider = "TCP" }},
		{"unknown comp method", func(c *Config) { c.CompMethod = "epoll" }},
		{"too few buffers", func(c *Config) { c.NoBuffers = 2 }},
		{"buf size too small", func(c *Config) { c.BufSize = 64 }},
		{"lwm above hwm", func(c *Config) { c.LWMBytes = 200 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}
