package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/donkeylabs/execore/internal/platform/config"
)

func TestLoadDefaults(t *testing.T) {
	c := config.Load()
	assert.Equal(t, 49152, c.TCPPortMin)
	assert.Equal(t, 65535, c.TCPPortMax)
	assert.Equal(t, time.Second, c.JobPollInterval)
	assert.Equal(t, 5, c.JobConcurrency)
	assert.Equal(t, int64(1000), c.JobBackoffBaseMs)
	assert.Equal(t, int64(300000), c.JobBackoffMaxMs)
	assert.True(t, c.RetryBackoff)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("DONKEYLABS_JOB_CONCURRENCY", "9")
	t.Setenv("DONKEYLABS_JOB_RETRY_BACKOFF", "false")
	t.Setenv("DONKEYLABS_WATCHDOG_INTERVAL", "2500")

	c := config.Load()
	assert.Equal(t, 9, c.JobConcurrency)
	assert.False(t, c.RetryBackoff)
	assert.Equal(t, 2500*time.Millisecond, c.WatchdogInterval)
}
