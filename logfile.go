package clangdlink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// stderrLogName derives a log file name from serverCommand: lower-cased,
// every non-alphanumeric byte replaced with '_', followed by a random
// suffix so concurrent clients for the same server never collide.
func stderrLogName(serverCommand string) string {
	lower := strings.ToLower(serverCommand)
	var b strings.Builder
	for i := 0; i < len(lower); i++ {
		ch := lower[i]
		if ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9' {
			b.WriteByte(ch)
		} else {
			b.WriteByte('_')
		}
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_stderr_%s.log", b.String(), suffix)
}

// stderrLogPath ensures dir exists and returns the path a new stderr log
// file for serverCommand should be opened at.
func stderrLogPath(dir, serverCommand string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("clangdlink: create log directory: %w", err)
	}
	return filepath.Join(dir, stderrLogName(serverCommand)), nil
}
