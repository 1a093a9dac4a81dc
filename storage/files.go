package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Spool writes rendered outbound messages to disk for inspection. Files are
// never read back by the service; a lost or failed job is not recovered from here.
type Spool struct {
	baseDir string
	now     func() time.Time
}

// NewSpool returns a spool rooted at dir, or nil when dir is empty. A nil
// Spool accepts and ignores writes.
func NewSpool(dir string) *Spool {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	return &Spool{baseDir: dir, now: time.Now}
}

// Dir returns the spool root.
func (s *Spool) Dir() string {
	if s == nil {
		return ""
	}
	return s.baseDir
}

// SaveMessage stores data under <dir>/<YYYY-MM-DD>/<id>_<recipient hash>.eml
// and returns the file path.
func (s *Spool) SaveMessage(id string, to string, data []byte) (string, error) {
	if s == nil {
		return "", nil
	}
	safeID, err := sanitizeComponent(id)
	if err != nil {
		return "", err
	}
	recipientToken := hashRecipient(to)

	dir := filepath.Join(s.baseDir, s.now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.eml", safeID, recipientToken))
	payload := append([]byte(nil), data...)
	if err := os.WriteFile(filename, payload, 0o600); err != nil {
		return "", err
	}
	return filename, nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("empty identifier")
	}
	return v, nil
}

func hashRecipient(addr string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(addr))))
	return hex.EncodeToString(sum[:8])
}
