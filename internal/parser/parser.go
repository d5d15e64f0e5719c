// Package parser turns raw RFC 5322 bytes into the gateway's MIME tree.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/shineum/mailguard/internal/email"
)

// maxNesting bounds multipart recursion.
const maxNesting = 32

// ErrTooDeep is returned when multipart nesting exceeds maxNesting.
var ErrTooDeep = errors.New("multipart nesting too deep")

// Parse parses a raw message. Bodies are decoded from their transfer encoding
// and converted to UTF-8 when the charset is known; unknown charsets and
// encodings are kept as-is and logged.
func Parse(raw []byte) (*email.Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !recoverable(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	root, err := parseEntity(entity, err, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message body: %w", err)
	}

	return email.NewMessage(root, raw), nil
}

// recoverable reports whether go-message still returned a usable entity.
func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func parseEntity(entity *message.Entity, readErr error, depth int) (*email.Part, error) {
	if depth > maxNesting {
		return nil, ErrTooDeep
	}

	part := &email.Part{Header: entity.Header}

	if part.IsMultipart() {
		_, params, _ := entity.Header.ContentType()
		if params["boundary"] == "" {
			return nil, fmt.Errorf("multipart entity missing boundary")
		}

		mr := entity.MultipartReader()
		if mr == nil {
			return nil, fmt.Errorf("multipart entity without reader")
		}
		for {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !recoverable(err) {
				return nil, fmt.Errorf("failed to read next part: %w", err)
			}
			parsed, err := parseEntity(child, err, depth+1)
			if err != nil {
				return nil, err
			}
			part.Parts = append(part.Parts, parsed)
		}
		return part, nil
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		// Keep whatever decoded cleanly; a broken transfer encoding must not
		// hide the rest of the message from inspection.
		slog.Warn("failed to decode part body",
			"content_type", part.MediaType(),
			"error", err,
		)
	}
	part.Body = body

	if readErr != nil {
		slog.Warn("part kept undecoded",
			"content_type", part.MediaType(),
			"error", readErr,
		)
		return part, nil
	}
	markTranscoded(part)

	return part, nil
}

// markTranscoded records whether go-message converted the body to UTF-8.
func markTranscoded(part *email.Part) {
	if part.Header.Get("Content-Type") == "" {
		return
	}
	_, params, err := part.Header.ContentType()
	if err != nil {
		return
	}
	charset, ok := params["charset"]
	if !ok {
		return
	}
	switch strings.ToLower(charset) {
	case "utf-8", "us-ascii":
		return
	}
	part.Transcoded = true
}
