package cfg

import "fmt"

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if config.Target == "" {
		return fmt.Errorf("target is required")
	}
	if config.CacheSizeBytes <= 0 {
		return fmt.Errorf("cache-size-bytes must be positive, got %d", config.CacheSizeBytes)
	}
	switch config.Charset {
	case CharsetUTF8, CharsetASCII, CharsetLatin1, "":
	default:
		return fmt.Errorf("unsupported charset: %s", config.Charset)
	}
	if config.Logging.Format != "" && config.Logging.Format != "text" && config.Logging.Format != "json" {
		return fmt.Errorf("log format must be \"text\" or \"json\", got %q", config.Logging.Format)
	}
	if config.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("invalid log severity: %s", config.Logging.Severity)
	}
	return nil
}
