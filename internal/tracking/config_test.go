package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidationNamesParameter(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"MinMarkerKeypoints", func(c *Config) { c.MinMarkerKeypoints = 0 }},
		{"MinBootstrapInliers", func(c *Config) { c.MinBootstrapInliers = 3 }},
		{"TrackingLostThreshold", func(c *Config) { c.TrackingLostThreshold = 1 }},
		{"RansacReprojThreshold", func(c *Config) { c.RansacReprojThreshold = 0 }},
		{"FlowErrorThreshold", func(c *Config) { c.FlowErrorThreshold = -1 }},
		{"PlanarInlierRatio", func(c *Config) { c.PlanarInlierRatio = 1.5 }},
		{"MinPositiveDepthFraction", func(c *Config) { c.MinPositiveDepthFraction = 0 }},
		{"MaxMeanReprojError", func(c *Config) { c.MaxMeanReprojError = -2 }},
		{"FundamentalRansacIters", func(c *Config) { c.FundamentalRansacIters = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var ve *config.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.name, ve.Parameter)
		})
	}
}
