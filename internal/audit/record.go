// Package audit persists one record per processed SMTP transaction.
package audit

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/shineum/mailguard/internal/detect"
	"github.com/shineum/mailguard/internal/policy"
)

// Column limits for stored text.
const (
	MaxBodyChars    = 10000
	MaxSubjectChars = 500
	MaxAddressChars = 255
)

// viewBodyChars caps the body text in event views.
const viewBodyChars = 500

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("audit record not found")

// Status is the processing outcome stored with a record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessed   Status = "processed"
	StatusFlagged     Status = "flagged"
	StatusBlocked     Status = "blocked"
	StatusQuarantined Status = "quarantined"
	StatusError       Status = "error"
)

// StatusFor derives the status of a successfully processed message.
func StatusFor(action policy.Action, detections []detect.Detection) Status {
	switch {
	case action == policy.Block:
		return StatusBlocked
	case action == policy.Quarantine:
		return StatusQuarantined
	case len(detections) > 0:
		return StatusFlagged
	}
	return StatusProcessed
}

// Attachment describes one stored attachment.
type Attachment struct {
	ID       int64  `json:"id,omitempty"`
	Filename string `json:"filename"`
	Path     string `json:"file_path"`
}

// Record is one audited transaction. It is written once and never updated.
type Record struct {
	ID               int64
	MessageID        string
	Sender           string
	Recipients       []string
	Subject          string
	Timestamp        time.Time
	Flagged          bool
	PolicyApplied    string
	Detections       []detect.Detection
	BodyText         string
	AttachmentCount  int
	Attachments      []Attachment
	Status           Status
	ErrorMessage     string
	ProcessingTimeMS float64
}

// Store is the audit sink.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id int64) (*Record, error)
}

// View is the JSON shape of a record published to live observers.
type View struct {
	ID               int64              `json:"id"`
	MessageID        string             `json:"message_id"`
	Sender           string             `json:"sender"`
	Recipients       []string           `json:"recipients"`
	Subject          string             `json:"subject"`
	Timestamp        string             `json:"timestamp"`
	Flagged          bool               `json:"flagged"`
	PolicyApplied    string             `json:"policy_applied,omitempty"`
	DetectionResults []detect.Detection `json:"detection_results"`
	BodyText         *string            `json:"body_text"`
	AttachmentCount  int                `json:"attachment_count"`
	AttachmentNames  []string           `json:"attachment_names"`
	Attachments      []Attachment       `json:"attachments"`
	Status           Status             `json:"status"`
	ErrorMessage     *string            `json:"error_message"`
	ProcessingTimeMS float64            `json:"processing_time_ms"`
}

// View returns the observer-facing form of r, with the body shortened.
func (r *Record) View() View {
	v := View{
		ID:               r.ID,
		MessageID:        r.MessageID,
		Sender:           r.Sender,
		Recipients:       nonNil(r.Recipients),
		Subject:          r.Subject,
		Timestamp:        r.Timestamp.UTC().Format(time.RFC3339Nano),
		Flagged:          r.Flagged,
		PolicyApplied:    r.PolicyApplied,
		DetectionResults: r.Detections,
		AttachmentCount:  r.AttachmentCount,
		AttachmentNames:  []string{},
		Attachments:      r.Attachments,
		Status:           r.Status,
		ProcessingTimeMS: r.ProcessingTimeMS,
	}
	if v.DetectionResults == nil {
		v.DetectionResults = []detect.Detection{}
	}
	if v.Attachments == nil {
		v.Attachments = []Attachment{}
	}
	for _, a := range r.Attachments {
		v.AttachmentNames = append(v.AttachmentNames, a.Filename)
	}
	if r.BodyText != "" {
		body := TruncateChars(r.BodyText, viewBodyChars)
		v.BodyText = &body
	}
	if r.ErrorMessage != "" {
		msg := r.ErrorMessage
		v.ErrorMessage = &msg
	}
	return v
}

// TruncateChars shortens s to at most n characters.
func TruncateChars(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
