// GENERATED CODE - DO NOT EDIT MANUALLY.

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Target ResolvedPath `yaml:"target"`

	Cache ResolvedPath `yaml:"cache"`

	CacheSizeBytes int64 `yaml:"cache-size-bytes"`

	Charset Charset `yaml:"charset"`

	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	Format string `yaml:"format"`

	FilePath ResolvedPath `yaml:"file-path"`

	MaxSizeMB int `yaml:"max-size-mb"`

	Backups int `yaml:"backups"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("target", "", "", "Absolute path of the directory tree to cache.")
	if err = viper.BindPFlag("target", flagSet.Lookup("target")); err != nil {
		return err
	}

	flagSet.StringP("cache", "", "", "Absolute path of the cache directory. Defaults to ~/.cachefs/<hex md5 of target>.")
	if err = viper.BindPFlag("cache", flagSet.Lookup("cache")); err != nil {
		return err
	}

	flagSet.Int64P("cache_size", "", DefaultCacheSizeBytes, "Byte budget for the cache.")
	if err = viper.BindPFlag("cache-size-bytes", flagSet.Lookup("cache_size")); err != nil {
		return err
	}

	flagSet.StringP("charset", "", string(CharsetUTF8), "Encoding used to decode path bytes for the index.")
	if err = viper.BindPFlag("charset", flagSet.Lookup("charset")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log record format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file. Empty means stdout.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Enable FUSE debug logging. Index invariants are not checked.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants")); err != nil {
		return err
	}

	return nil
}
