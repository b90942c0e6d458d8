package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate_RejectsUnknownEnums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown norm method", func(c *Config) { c.NormMethod = "batchnorm" }},
		{"unknown init method", func(c *Config) { c.InitMethod = "he" }},
		{"unknown vq distance", func(c *Config) { c.VQ.Distance = "manhattan" }},
		{"unknown vq update policy", func(c *Config) { c.VQ.UpdatePolicy = "adam" }},
		{"ema decay out of range", func(c *Config) { c.VQ.EMADecay = 1.5 }},
		{"even relpos buckets", func(c *Config) { c.RelPos.NumBuckets = 48 }},
		{"relpos max below exact", func(c *Config) { c.RelPos.MaxDistance = 4 }},
		{"pair channel not divisible by heads", func(c *Config) { c.Evoformer.NumHead = 7 }},
		{"zero structure layers", func(c *Config) { c.StructureModule.NumLayer = 0 }},
		{"negative position scale", func(c *Config) { c.FrameInitializer.PositionScale = -1 }},
		{"distogram breaks reversed", func(c *Config) { c.Distogram.FirstBreak = 30 }},
		{"too few distogram bins", func(c *Config) { c.Distogram.NumBins = 2 }},
		{"zero codebook", func(c *Config) { c.VQ.CodebookSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"single_channel: 64\nvq:\n  codebook_size: 128\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.SingleChannel)
	require.Equal(t, 128, cfg.VQ.CodebookSize)
	// Untouched fields keep their defaults.
	require.Equal(t, DefaultConfig().PairChannel, cfg.PairChannel)
	require.Equal(t, DefaultConfig().VQ.CodeDim, cfg.VQ.CodeDim)
}

func TestLoadConfig_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_channels: 64\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("norm_method: batchnorm\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
