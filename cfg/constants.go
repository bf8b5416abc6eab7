package cfg

const (
	// DefaultCacheSizeBytes is the default byte budget for the cache (1 GiB).
	DefaultCacheSizeBytes int64 = 1 << 30

	// DefaultCharset is the default encoding used to decode path bytes.
	DefaultCharset = CharsetUTF8

	// DefaultLogMaxSizeMB and DefaultLogBackups mirror lumberjack's own
	// defaults, made explicit so they survive a zero-value Config.
	DefaultLogMaxSizeMB = 100
	DefaultLogBackups   = 3

	// cacheDirName is the directory under the user's home that holds
	// per-target cache directories when --cache is not set explicitly.
	cacheDirName = ".cachefs"
)
