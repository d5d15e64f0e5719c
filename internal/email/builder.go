package email

import (
	"github.com/emersion/go-message/mail"
)

// Builder accumulates changes to a private copy of a Message.
type Builder struct {
	root        *Part
	rawBody     []byte
	bodyChanged bool
}

// SetHeader replaces all values of the named header field.
func (b *Builder) SetHeader(key, value string) *Builder {
	b.root.Header.Set(key, value)
	return b
}

// AddHeader adds a header field, keeping existing values.
func (b *Builder) AddHeader(key, value string) *Builder {
	b.root.Header.Add(key, value)
	return b
}

// DelHeader removes all values of the named header field.
func (b *Builder) DelHeader(key string) *Builder {
	b.root.Header.Del(key)
	return b
}

// SetSubject sets the Subject header, encoding non-ASCII text.
func (b *Builder) SetSubject(subject string) *Builder {
	h := mail.Header{Header: b.root.Header}
	h.SetSubject(subject)
	b.root.Header = h.Header
	return b
}

// ReplaceText rewrites the body of every inline text/plain leaf with fn. The
// offset passed to fn is where that part's text starts in TextBody. It
// reports whether any such part was found.
func (b *Builder) ReplaceText(fn func(offset int, text string) string) bool {
	offset, found := 0, false
	walk(b.root, func(part *Part) {
		if !isInlineText(part) {
			return
		}
		if found {
			offset += len(TextSeparator)
		}
		found = true

		text := string(part.Body)
		replaced := fn(offset, text)
		offset += len(text)
		if replaced == text {
			return
		}
		part.Body = []byte(replaced)

		mediaType, params, err := part.Header.ContentType()
		if err != nil || mediaType == "" {
			mediaType, params = "text/plain", map[string]string{}
		}
		params["charset"] = "utf-8"
		part.Header.SetContentType(mediaType, params)
		part.Transcoded = false
		b.bodyChanged = true
	})
	return found
}

// Message returns a new Message holding the accumulated changes. The builder
// may keep being used afterwards without affecting the returned value.
func (b *Builder) Message() *Message {
	m := &Message{root: b.root.clone()}
	if !b.bodyChanged {
		m.rawBody = b.rawBody
	}
	return m
}
