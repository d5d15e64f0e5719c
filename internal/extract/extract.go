// Package extract turns attachment bytes into text through a remote
// extraction server, with size and archive depth limits.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
)

// TextClient is the extraction collaborator.
type TextClient interface {
	Text(ctx context.Context, r io.Reader) (string, error)
	Metadata(ctx context.Context, r io.Reader) (map[string]any, error)
	Available(ctx context.Context) bool
}

// Extractor extracts text from attachments. Failures are logged and reported
// as "no result", never as errors.
type Extractor struct {
	client  TextClient
	maxSize int64
}

// New creates an extractor. maxSize bounds archive members; direct calls pass
// their own limit.
func New(client TextClient, maxSize int64) *Extractor {
	return &Extractor{client: client, maxSize: maxSize}
}

// ExtractText extracts text from data. It reports false when data exceeds
// maxSize, extraction fails or no text was found.
func (e *Extractor) ExtractText(ctx context.Context, data []byte, maxSize int64) (string, bool) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		slog.Warn("attachment exceeds size limit",
			"size", len(data),
			"max_size", maxSize,
		)
		return "", false
	}
	return e.extract(ctx, bytes.NewReader(data), "memory")
}

// ExtractFile extracts text from the file at path under the same rules as
// ExtractText.
func (e *Extractor) ExtractFile(ctx context.Context, filePath string, maxSize int64) (string, bool) {
	info, err := os.Stat(filePath)
	if err != nil {
		slog.Warn("failed to stat file for extraction", "path", filePath, "error", err)
		return "", false
	}
	if maxSize > 0 && info.Size() > maxSize {
		slog.Warn("file exceeds size limit",
			"path", filePath,
			"size", info.Size(),
			"max_size", maxSize,
		)
		return "", false
	}

	f, err := os.Open(filePath)
	if err != nil {
		slog.Warn("failed to open file for extraction", "path", filePath, "error", err)
		return "", false
	}
	defer f.Close()

	return e.extract(ctx, f, filePath)
}

func (e *Extractor) extract(ctx context.Context, r io.Reader, source string) (string, bool) {
	if e.client == nil {
		return "", false
	}
	text, err := e.client.Text(ctx, r)
	if err != nil {
		slog.Warn("text extraction failed", "source", source, "error", err)
		return "", false
	}
	if text == "" {
		return "", false
	}
	return text, true
}

// Metadata returns document properties for data.
func (e *Extractor) Metadata(ctx context.Context, data []byte) (map[string]any, error) {
	if e.client == nil {
		return nil, fmt.Errorf("no extraction client configured")
	}
	return e.client.Metadata(ctx, bytes.NewReader(data))
}

// Available reports whether the extraction server answers.
func (e *Extractor) Available(ctx context.Context) bool {
	return e.client != nil && e.client.Available(ctx)
}

// IsArchive reports whether the file at path is a zip archive.
func IsArchive(filePath string) bool {
	r, err := zip.OpenReader(filePath)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

// ExtractFromArchive extracts text from every member of the zip archive at
// path, recursing into nested zips until maxDepth levels have been opened.
// Nested entries are keyed "outer.zip/inner.txt". Corrupt or unsupported
// archives yield an empty map.
func (e *Extractor) ExtractFromArchive(ctx context.Context, archivePath string, maxDepth int) map[string]string {
	result := make(map[string]string)
	e.walkArchive(ctx, archivePath, "", maxDepth, 0, result)
	return result
}

func (e *Extractor) walkArchive(ctx context.Context, archivePath, prefix string, maxDepth, depth int, out map[string]string) {
	if depth >= maxDepth {
		slog.Warn("maximum archive depth reached",
			"archive", archivePath,
			"max_depth", maxDepth,
		)
		return
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		slog.Warn("failed to open archive", "archive", archivePath, "error", err)
		return
	}
	defer r.Close()

	for _, member := range r.File {
		if member.FileInfo().IsDir() {
			continue
		}
		key := path.Join(prefix, member.Name)

		tmpPath, err := e.spill(member)
		if err != nil {
			slog.Warn("failed to extract archive member",
				"archive", archivePath,
				"member", member.Name,
				"error", err,
			)
			continue
		}

		if IsArchive(tmpPath) {
			e.walkArchive(ctx, tmpPath, key, maxDepth, depth+1, out)
		} else if text, ok := e.ExtractFile(ctx, tmpPath, e.maxSize); ok {
			out[key] = text
		}
		os.Remove(tmpPath)
	}
}

// spill copies an archive member to a temporary file. Members larger than
// the size limit are truncated one byte past it so ExtractFile refuses them.
func (e *Extractor) spill(member *zip.File) (string, error) {
	rc, err := member.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open member: %w", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "mailguard-member-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	var src io.Reader = rc
	if e.maxSize > 0 {
		src = io.LimitReader(rc, e.maxSize+1)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return tmp.Name(), nil
}
