package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/config"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/retrieval"
)

func TestClientConfig(t *testing.T) {
	c := config.Default().LLM
	c.Model = "claude-test"
	c.MaxRetries = 4
	c.Jitter = config.JitterConfig{Min: time.Second, Max: 2 * time.Second, HeavyMin: 3 * time.Second, HeavyMax: 4 * time.Second}
	c.RateLimit = config.RateLimitConfig{Burst: 5, PerSecond: 0.5}

	cc := clientConfig(c)
	assert.Equal(t, "claude-test", cc.Model)
	assert.Equal(t, 4, cc.MaxAttempts)
	assert.Equal(t, time.Second, cc.JitterMin)
	assert.Equal(t, 4*time.Second, cc.HeavyJitterMax)
	assert.InDelta(t, 5, cc.RateLimit.MaxTokens, 0)
	assert.InDelta(t, 0.5, cc.RateLimit.RefillRate, 0)
	assert.Equal(t, c.Breaker.Threshold, cc.BreakerThreshold)
}

func TestDefaultGenerator_RequiresKey(t *testing.T) {
	c := config.Default()
	c.LLM.APIKey, c.LLM.BaseURL = "", ""

	_, err := defaultGenerator(&c, logging.NewNop(), nil)
	require.Error(t, err)
	assert.Equal(t, core.ErrCatValidation, core.GetCategory(err))
}

func TestDefaultRetrievers(t *testing.T) {
	t.Run("both enabled", func(t *testing.T) {
		c := config.Default()
		c.Retrieval.Tavily.Enabled = true
		c.Retrieval.Tavily.APIKey = "tvly-test"
		c.Retrieval.Wikipedia.Enabled = true

		web, reference := defaultRetrievers(&c, logging.NewNop())
		require.NotNil(t, web)
		require.NotNil(t, reference)
		assert.IsType(t, &retrieval.Tavily{}, web)
		assert.IsType(t, &retrieval.Wikipedia{}, reference)
	})

	t.Run("missing tavily key", func(t *testing.T) {
		c := config.Default()
		c.Retrieval.Tavily.Enabled = true
		c.Retrieval.Tavily.APIKey = ""
		c.Retrieval.Wikipedia.Enabled = false

		web, reference := defaultRetrievers(&c, logging.NewNop())
		assert.Nil(t, web)
		assert.Nil(t, reference)
	})
}

func TestThreadArg(t *testing.T) {
	thread, err := threadArg([]string{"  t1 "})
	require.NoError(t, err)
	assert.Equal(t, core.ThreadID("t1"), thread)

	_, err = threadArg([]string{" "})
	assert.Error(t, err)
}
