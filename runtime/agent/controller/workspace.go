package controller

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceDir returns the workspace directory of a session. Path elements
// are escaped reversibly so distinct IDs never share a directory and no ID
// can escape root.
func WorkspaceDir(root, subjectID, sessionID string) string {
	return filepath.Join(root, escapeElem(subjectID), escapeElem(sessionID))
}

func ensureWorkspace(root, subjectID, sessionID string) (string, error) {
	dir := WorkspaceDir(root, subjectID, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// maxElem keeps escaped elements under common file name limits.
const maxElem = 200

// escapeElem keeps ASCII letters, digits, '-' and '_' and writes every other
// byte as ~XX. '.' is always escaped so "." and ".." cannot be produced; the
// empty string maps to "~" which no escaped ID can equal. Escapes longer than
// maxElem are cut and suffixed with "~~" and the SHA-256 of the raw ID; "~~"
// never appears in a short escape.
func escapeElem(s string) string {
	e := escape(s)
	if len(e) <= maxElem {
		return e
	}
	sum := sha256.Sum256([]byte(s))
	return e[:maxElem-2-2*sha256.Size] + "~~" + hex.EncodeToString(sum[:])
}

func escape(s string) string {
	if s == "" {
		return "~"
	}
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('~')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
