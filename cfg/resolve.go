package cfg

import (
	"os"
	"path/filepath"
	"strings"
)

// resolvePath expands a leading "~" to the user's home directory and makes
// the result absolute. No ecosystem library in the example pack addresses
// this narrow a task (gcsfuse's own equivalent, internal/util.GetResolvedPath,
// was not present as source in the retrieval, only its tests), so this stays
// on path/filepath and os.UserHomeDir.
func resolvePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if p == "~" {
			p = home
		} else {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}
