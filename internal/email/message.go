// Package email defines the immutable MIME message model used throughout the gateway.
//
// A Message is never modified after construction. Policy actions that change a
// message (tagging, redaction) call Edit to obtain a Builder over a deep copy and
// produce a new, fully owned Message from it.
package email

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Part is one node of a parsed MIME tree. Leaf parts carry their body decoded
// from the Content-Transfer-Encoding (and converted to UTF-8 when the charset
// was known); multipart nodes carry their children instead.
//
// Parts reachable from a Message must be treated as read-only.
type Part struct {
	Header message.Header
	Body   []byte
	Parts  []*Part

	// Transcoded is set when Body was converted to UTF-8 from the charset
	// declared in Header.
	Transcoded bool
}

// MediaType returns the lowercased media type, defaulting to text/plain.
func (p *Part) MediaType() string {
	if p.Header.Get("Content-Type") == "" {
		return "text/plain"
	}
	mediaType, _, err := p.Header.ContentType()
	if err != nil || mediaType == "" {
		return "text/plain"
	}
	return mediaType
}

// IsMultipart reports whether the part is a multipart container.
func (p *Part) IsMultipart() bool {
	return strings.HasPrefix(p.MediaType(), "multipart/")
}

// IsAttachment reports whether the part carries an attachment disposition.
func (p *Part) IsAttachment() bool {
	if p.Header.Get("Content-Disposition") == "" {
		return false
	}
	disp, _, err := p.Header.ContentDisposition()
	if err != nil {
		return strings.HasPrefix(strings.ToLower(p.Header.Get("Content-Disposition")), "attachment")
	}
	return disp == "attachment"
}

// Filename returns the part filename from Content-Disposition, falling back to
// the Content-Type "name" parameter. Encoded words are decoded.
func (p *Part) Filename() string {
	var name string
	if _, params, err := p.Header.ContentDisposition(); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if _, params, err := p.Header.ContentType(); err == nil {
			name = params["name"]
		}
	}
	if name == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(name); err == nil {
		return decoded
	}
	return name
}

func (p *Part) clone() *Part {
	c := &Part{
		Header:     message.Header{Header: p.Header.Header.Copy()},
		Transcoded: p.Transcoded,
	}
	if p.Body != nil {
		c.Body = append([]byte(nil), p.Body...)
	}
	for _, child := range p.Parts {
		c.Parts = append(c.Parts, child.clone())
	}
	return c
}

// Attachment is a leaf part marked with an attachment disposition.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is a parsed RFC 5322 message.
type Message struct {
	root *Part

	// raw holds the exact bytes received. It is nil for derived messages.
	raw []byte

	// rawBody holds the bytes after the header block while the body is
	// unchanged, so header-only edits keep the body byte-for-byte.
	rawBody []byte
}

// NewMessage wraps a parsed MIME tree together with the bytes it was parsed
// from. raw may be nil for synthesized messages.
func NewMessage(root *Part, raw []byte) *Message {
	m := &Message{root: root}
	if raw != nil {
		m.raw = raw
		m.rawBody = bodyOffset(raw)
	}
	return m
}

// bodyOffset returns the slice of raw that follows the header block, or nil
// when the header cannot be read.
func bodyOffset(raw []byte) []byte {
	r := bytes.NewReader(raw)
	br := bufio.NewReader(r)
	if _, err := textproto.ReadHeader(br); err != nil {
		return nil
	}
	consumed := len(raw) - r.Len() - br.Buffered()
	return raw[consumed:]
}

// Raw returns the bytes the message was parsed from, or nil for derived messages.
func (m *Message) Raw() []byte {
	return m.raw
}

// Root returns the top-level MIME part.
func (m *Message) Root() *Part {
	return m.root
}

// Get returns the first value of the named header field.
func (m *Message) Get(key string) string {
	return m.root.Header.Get(key)
}

// Has reports whether the named header field is present.
func (m *Message) Has(key string) bool {
	return m.root.Header.Has(key)
}

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	h := mail.Header{Header: m.root.Header}
	subject, err := h.Subject()
	if err != nil {
		return m.root.Header.Get("Subject")
	}
	return subject
}

// MessageID returns the Message-Id header value as sent, angle brackets included.
func (m *Message) MessageID() string {
	return strings.TrimSpace(m.root.Header.Get("Message-Id"))
}

// From returns the first address in the From header, or the raw header value
// when it cannot be parsed.
func (m *Message) From() string {
	addrs := m.Addresses("From")
	if len(addrs) > 0 {
		return addrs[0]
	}
	return strings.TrimSpace(m.root.Header.Get("From"))
}

// Addresses returns the bare addresses found in the given header fields, in
// order. Unparseable lists fall back to a comma split.
func (m *Message) Addresses(keys ...string) []string {
	h := mail.Header{Header: m.root.Header}
	var result []string
	for _, key := range keys {
		raw := h.Get(key)
		if strings.TrimSpace(raw) == "" {
			continue
		}
		list, err := h.AddressList(key)
		if err != nil {
			for _, p := range strings.Split(raw, ",") {
				if trimmed := strings.TrimSpace(p); trimmed != "" {
					result = append(result, trimmed)
				}
			}
			continue
		}
		for _, addr := range list {
			result = append(result, addr.Address)
		}
	}
	return result
}

// Walk calls fn for every part in depth-first order, the root first.
func (m *Message) Walk(fn func(p *Part)) {
	walk(m.root, fn)
}

func walk(p *Part, fn func(p *Part)) {
	fn(p)
	for _, child := range p.Parts {
		walk(child, fn)
	}
}

// TextSeparator joins consecutive inline text parts in TextBody.
const TextSeparator = "\n"

// TextBody joins every inline text/plain leaf in walk order with
// TextSeparator.
func (m *Message) TextBody() string {
	var b strings.Builder
	first := true
	m.Walk(func(p *Part) {
		if !isInlineText(p) {
			return
		}
		if !first {
			b.WriteString(TextSeparator)
		}
		first = false
		b.Write(p.Body)
	})
	return b.String()
}

func isInlineText(p *Part) bool {
	return len(p.Parts) == 0 && p.MediaType() == "text/plain" && !p.IsAttachment()
}

// Attachments returns every leaf marked as an attachment, in walk order.
// Attachment content is shared with the message and must not be modified.
func (m *Message) Attachments() []Attachment {
	var result []Attachment
	m.Walk(func(p *Part) {
		if p.IsMultipart() || !p.IsAttachment() {
			return
		}
		result = append(result, Attachment{
			Filename:    attachmentName(p),
			ContentType: p.MediaType(),
			Content:     p.Body,
		})
	})
	return result
}

// attachmentName falls back to a name derived from the media type, e.g.
// "attachment.pdf", when the part does not carry one.
func attachmentName(p *Part) string {
	if name := p.Filename(); name != "" {
		return name
	}
	if _, subtype, ok := strings.Cut(p.MediaType(), "/"); ok && subtype != "" {
		return "attachment." + subtype
	}
	return "attachment"
}

// Bytes serializes the message. Unmodified messages return their original bytes;
// header-only edits reuse the original body; body edits re-render the MIME tree.
func (m *Message) Bytes() ([]byte, error) {
	if m.raw != nil {
		return append([]byte(nil), m.raw...), nil
	}

	var buf bytes.Buffer
	if m.rawBody != nil {
		if err := textproto.WriteHeader(&buf, m.root.Header.Header); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		buf.Write(m.rawBody)
		return buf.Bytes(), nil
	}

	w, err := message.CreateWriter(&buf, renderHeader(m.root))
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if err := render(w, m.root); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func render(w *message.Writer, p *Part) error {
	if !p.IsMultipart() {
		if _, err := w.Write(p.Body); err != nil {
			return fmt.Errorf("failed to write part body: %w", err)
		}
		return nil
	}
	for _, child := range p.Parts {
		cw, err := w.CreatePart(renderHeader(child))
		if err != nil {
			return fmt.Errorf("failed to create part: %w", err)
		}
		if err := render(cw, child); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return fmt.Errorf("failed to close part: %w", err)
		}
	}
	return nil
}

// renderHeader returns the header to emit for p. Transcoded parts are
// relabelled as UTF-8 since their body no longer uses the declared charset.
func renderHeader(p *Part) message.Header {
	h := message.Header{Header: p.Header.Header.Copy()}
	if !p.Transcoded {
		return h
	}
	mediaType, params, err := h.ContentType()
	if err != nil {
		return h
	}
	params["charset"] = "utf-8"
	h.SetContentType(mediaType, params)
	return h
}

// Edit returns a Builder over a deep copy of the message.
func (m *Message) Edit() *Builder {
	return &Builder{
		root:    m.root.clone(),
		rawBody: m.rawBody,
	}
}
