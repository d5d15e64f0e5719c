// Package storage persists attachments and quarantined messages to disk
// under timestamped names.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	maxFilenameLen  = 200
	maxMessageIDLen = 50
	maxCollisions   = 100
)

// dir is a directory created lazily on first write.
type dir struct {
	path string
	now  func() time.Time
}

func newDir(path string) (dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return dir{}, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return dir{path: abs, now: time.Now}, nil
}

// create writes data to name inside the directory without replacing an
// existing file. On collision a numeric suffix is inserted before the
// extension.
func (d dir) create(name string, data []byte) (string, error) {
	if err := os.MkdirAll(d.path, 0o750); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", d.path, err)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < maxCollisions; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		full := filepath.Join(d.path, candidate)

		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", full, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(full)
			return "", fmt.Errorf("failed to write %s: %w", full, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(full)
			return "", fmt.Errorf("failed to close %s: %w", full, err)
		}
		return full, nil
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", name, maxCollisions)
}

// AttachmentStore saves attachment payloads.
type AttachmentStore struct {
	dir dir
}

// NewAttachmentStore creates a store rooted at path. The directory is
// created on first save.
func NewAttachmentStore(path string) (*AttachmentStore, error) {
	d, err := newDir(path)
	if err != nil {
		return nil, err
	}
	return &AttachmentStore{dir: d}, nil
}

// Dir returns the absolute directory path.
func (s *AttachmentStore) Dir() string {
	return s.dir.path
}

// Save writes data under "<timestamp>_<sanitized filename>" and returns the
// absolute path.
func (s *AttachmentStore) Save(filename string, data []byte) (string, error) {
	t := s.dir.now()
	stamp := t.Format("20060102_150405") + fmt.Sprintf("_%06d", t.Nanosecond()/1000)

	safe := sanitize(filename, "-_.", maxFilenameLen)
	if safe == "" {
		safe = "attachment"
	}

	p, err := s.dir.create(stamp+"_"+safe, data)
	if err != nil {
		slog.Error("failed to save attachment", "filename", filename, "error", err)
		return "", err
	}
	return p, nil
}

// QuarantineStore saves raw messages withheld from delivery.
type QuarantineStore struct {
	dir dir
}

// NewQuarantineStore creates a store rooted at path. The directory is
// created on first save.
func NewQuarantineStore(path string) (*QuarantineStore, error) {
	d, err := newDir(path)
	if err != nil {
		return nil, err
	}
	return &QuarantineStore{dir: d}, nil
}

// Dir returns the absolute directory path.
func (s *QuarantineStore) Dir() string {
	return s.dir.path
}

// Save writes raw verbatim under "<timestamp>_<sanitized message id>.eml"
// and returns the absolute path.
func (s *QuarantineStore) Save(messageID string, raw []byte) (string, error) {
	stamp := s.dir.now().Format("20060102_150405")

	id := strings.NewReplacer("<", "", ">", "").Replace(messageID)
	safe := sanitize(id, "-_", maxMessageIDLen)
	if safe == "" {
		safe = "unknown"
	}

	p, err := s.dir.create(stamp+"_"+safe+".eml", raw)
	if err != nil {
		slog.Error("failed to quarantine message", "message_id", messageID, "error", err)
		return "", err
	}
	return p, nil
}

// sanitize keeps letters, digits and the runes in extra, capped at max bytes
// without splitting a rune.
func sanitize(s, extra string, max int) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune(extra, r) {
			continue
		}
		if b.Len()+utf8.RuneLen(r) > max {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}
