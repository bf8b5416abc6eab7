package cfg

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
)

// GetDefaultLoggingConfig returns the default configuration that is to be used
// during application startup, before any provided configuration has been parsed.
func GetDefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Severity:  InfoLogSeverity,
		Format:    "text",
		MaxSizeMB: DefaultLogMaxSizeMB,
		Backups:   DefaultLogBackups,
	}
}

// DefaultCacheDir returns "<home>/.cachefs/<hex md5 of target>", the cache
// directory used when --cache is not supplied.
func DefaultCacheDir(target string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(target))
	return filepath.Join(home, cacheDirName, hex.EncodeToString(sum[:])), nil
}
