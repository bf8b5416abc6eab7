package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig_RequiresTarget(t *testing.T) {
	c := &Config{CacheSizeBytes: DefaultCacheSizeBytes, Logging: GetDefaultLoggingConfig()}
	err := ValidateConfig(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target is required")
}

func TestValidateConfig_RejectsNonPositiveCacheSize(t *testing.T) {
	c := &Config{Target: "/srv/data", CacheSizeBytes: 0, Logging: GetDefaultLoggingConfig()}
	err := ValidateConfig(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache-size-bytes")
}

func TestValidateConfig_RejectsBadCharset(t *testing.T) {
	c := &Config{Target: "/srv/data", CacheSizeBytes: 1024, Charset: "klingon", Logging: GetDefaultLoggingConfig()}
	err := ValidateConfig(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "charset")
}

func TestValidateConfig_Accepts(t *testing.T) {
	c := &Config{
		Target:         "/srv/data",
		Cache:          "/var/cache/cachefs",
		CacheSizeBytes: DefaultCacheSizeBytes,
		Charset:        CharsetUTF8,
		Logging:        GetDefaultLoggingConfig(),
	}
	assert.NoError(t, ValidateConfig(c))
}

func TestLogSeverityRank(t *testing.T) {
	assert.Less(t, TraceLogSeverity.Rank(), DebugLogSeverity.Rank())
	assert.Less(t, DebugLogSeverity.Rank(), InfoLogSeverity.Rank())
	assert.Less(t, InfoLogSeverity.Rank(), WarningLogSeverity.Rank())
	assert.Less(t, WarningLogSeverity.Rank(), ErrorLogSeverity.Rank())
	assert.Less(t, ErrorLogSeverity.Rank(), OffLogSeverity.Rank())
	assert.Equal(t, -1, LogSeverity("bogus").Rank())
}

func TestDefaultCacheDir(t *testing.T) {
	dir, err := DefaultCacheDir("/srv/data")
	require.NoError(t, err)
	assert.Contains(t, dir, ".cachefs")

	dirAgain, err := DefaultCacheDir("/srv/data")
	require.NoError(t, err)
	assert.Equal(t, dir, dirAgain, "cache dir must be deterministic for a given target")

	other, err := DefaultCacheDir("/srv/other")
	require.NoError(t, err)
	assert.NotEqual(t, dir, other)
}
