// Package pipeline runs intercepted messages through extraction, detection,
// policy, audit, notification and forwarding.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailguard/internal/audit"
	"github.com/shineum/mailguard/internal/detect"
	"github.com/shineum/mailguard/internal/email"
	"github.com/shineum/mailguard/internal/events"
	"github.com/shineum/mailguard/internal/extract"
	"github.com/shineum/mailguard/internal/metrics"
	"github.com/shineum/mailguard/internal/parser"
	"github.com/shineum/mailguard/internal/policy"
)

// Fallbacks for messages missing the corresponding header.
const (
	UnknownSender = "unknown@unknown.com"
	NoSubject     = "(no subject)"
)

// DefaultMaxArchiveDepth bounds nested archive recursion.
const DefaultMaxArchiveDepth = 5

// Detector finds sensitive data in text.
type Detector interface {
	DetectPatterns(ctx context.Context, text string, minConfidence float64) []detect.Detection
}

// Extractor turns attachment content into text.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, maxSize int64) (string, bool)
	ExtractFile(ctx context.Context, path string, maxSize int64) (string, bool)
	ExtractFromArchive(ctx context.Context, path string, maxDepth int) map[string]string
}

// AttachmentSaver persists attachment bytes and returns the stored path.
type AttachmentSaver interface {
	Save(filename string, data []byte) (string, error)
}

// Publisher receives handler events.
type Publisher interface {
	Publish(ev events.Event)
}

// Forwarder relays a message upstream and reports success.
type Forwarder interface {
	Forward(ctx context.Context, msg *email.Message) bool
}

// Transaction is one accepted SMTP transaction.
type Transaction struct {
	MailFrom   string
	RcptTo     []string
	Data       []byte
	RemoteAddr string
	ReceivedAt time.Time
}

// Result summarizes how a transaction was handled.
type Result struct {
	RecordID  int64
	MessageID string
	Action    policy.Action
	Status    audit.Status
	Forwarded bool
	Err       error
}

// Options configures a Handler. Detector is required; every other
// collaborator may be nil, which skips the corresponding stage.
type Options struct {
	Detector    Detector
	Extractor   Extractor
	Policy      *policy.Engine
	Attachments AttachmentSaver
	Audit       audit.Store
	Events      Publisher
	Forwarder   Forwarder
	Metrics     *metrics.Metrics

	MinConfidence     float64
	MaxAttachmentSize int64
	MaxArchiveDepth   int
}

// Handler processes transactions. It is safe for concurrent use when its
// collaborators are.
type Handler struct {
	opts Options
	now  func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Policy == nil {
		opts.Policy = policy.NewEngine(policy.Options{})
	}
	if opts.MaxArchiveDepth <= 0 {
		opts.MaxArchiveDepth = DefaultMaxArchiveDepth
	}
	return &Handler{opts: opts, now: time.Now}
}

// metadata is filled in as processing proceeds so the error path can record
// whatever was learned before the failure.
type metadata struct {
	messageID  string
	sender     string
	recipients []string
	subject    string
	received   time.Time
}

// Handle runs tx through every stage. It never panics and never returns a nil
// Result; failures produce an error audit record.
func (h *Handler) Handle(ctx context.Context, tx *Transaction) (res *Result) {
	start := h.now()
	meta := &metadata{received: tx.ReceivedAt}
	if meta.received.IsZero() {
		meta.received = start
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing message", "message_id", meta.messageID, "panic", r)
			res = h.fail(ctx, meta, start, fmt.Errorf("panic: %v", r))
		}
	}()

	r, err := h.process(ctx, tx, meta, start)
	if err != nil {
		slog.Error("failed to process message", "message_id", meta.messageID, "error", err)
		return h.fail(ctx, meta, start, err)
	}
	return r
}

func (h *Handler) process(ctx context.Context, tx *Transaction, meta *metadata, start time.Time) (*Result, error) {
	msg, err := parser.Parse(tx.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	extractMetadata(msg, tx, meta)
	slog.Info("message intercepted",
		"message_id", meta.messageID,
		"sender", meta.sender,
		"subject", meta.subject,
		"remote_addr", tx.RemoteAddr,
	)

	body := msg.TextBody()
	texts, stored, count := h.processAttachments(ctx, msg)

	detections := h.opts.Detector.DetectPatterns(ctx, scanText(body, texts), h.opts.MinConfidence)
	for _, d := range detections {
		slog.Info("sensitive data detected",
			"message_id", meta.messageID,
			"type", d.PatternType,
			"confidence", d.Confidence,
		)
	}

	decision := h.opts.Policy.Evaluate(detections, msg)
	slog.Info("policy decision",
		"message_id", meta.messageID,
		"action", decision.Action,
		"reason", decision.Reason,
	)

	record := &audit.Record{
		MessageID:        audit.TruncateChars(meta.messageID, audit.MaxAddressChars),
		Sender:           audit.TruncateChars(meta.sender, audit.MaxAddressChars),
		Recipients:       meta.recipients,
		Subject:          audit.TruncateChars(meta.subject, audit.MaxSubjectChars),
		Timestamp:        meta.received,
		Flagged:          len(detections) > 0,
		PolicyApplied:    string(decision.Action),
		Detections:       detections,
		BodyText:         audit.TruncateChars(body, audit.MaxBodyChars),
		AttachmentCount:  count,
		Attachments:      stored,
		Status:           audit.StatusFor(decision.Action, detections),
		ProcessingTimeMS: elapsedMS(start, h.now()),
	}
	h.persistAndNotify(ctx, record)

	res := &Result{
		RecordID:  record.ID,
		MessageID: meta.messageID,
		Action:    decision.Action,
		Status:    record.Status,
	}
	res.Forwarded = h.forward(ctx, decision, meta.messageID)

	h.opts.Metrics.ObserveMessage(string(decision.Action), detectionTypes(detections), h.now().Sub(start))
	return res, nil
}

// Report is the outcome of a dry-run Scan.
type Report struct {
	MessageID       string             `json:"message_id"`
	Sender          string             `json:"sender"`
	Recipients      []string           `json:"recipients"`
	Subject         string             `json:"subject"`
	AttachmentCount int                `json:"attachment_count"`
	Action          policy.Action      `json:"action"`
	Reason          string             `json:"reason"`
	Detections      []detect.Detection `json:"detections"`
}

// Scan runs extraction, detection and policy evaluation over raw without
// storing, auditing, publishing or forwarding anything. Attachments are
// extracted from memory.
func (h *Handler) Scan(ctx context.Context, raw []byte) (*Report, error) {
	msg, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	meta := &metadata{}
	extractMetadata(msg, &Transaction{}, meta)

	dry := *h
	dry.opts.Attachments = nil
	texts, _, count := dry.processAttachments(ctx, msg)

	detections := h.opts.Detector.DetectPatterns(ctx, scanText(msg.TextBody(), texts), h.opts.MinConfidence)
	decision := h.opts.Policy.Evaluate(detections, msg)

	return &Report{
		MessageID:       meta.messageID,
		Sender:          meta.sender,
		Recipients:      meta.recipients,
		Subject:         meta.subject,
		AttachmentCount: count,
		Action:          decision.Action,
		Reason:          decision.Reason,
		Detections:      detections,
	}, nil
}

// scanText is the body followed by each attachment's text.
func scanText(body string, attachmentTexts []string) string {
	if len(attachmentTexts) == 0 {
		return body
	}
	return body + "\n\n" + strings.Join(attachmentTexts, "\n\n")
}

func extractMetadata(msg *email.Message, tx *Transaction, meta *metadata) {
	meta.messageID = msg.MessageID()
	if meta.messageID == "" {
		meta.messageID = fmt.Sprintf("<%s@mailguard>", uuid.NewString())
	}

	meta.sender = msg.From()
	if meta.sender == "" {
		meta.sender = tx.MailFrom
	}
	if meta.sender == "" {
		meta.sender = UnknownSender
	}

	meta.recipients = mergeRecipients(msg.Addresses("To", "Cc", "Bcc"), tx.RcptTo)

	meta.subject = msg.Subject()
	if meta.subject == "" {
		meta.subject = NoSubject
	}
}

// mergeRecipients returns the header recipients followed by envelope-only
// recipients, dropping case-insensitive duplicates.
func mergeRecipients(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, addr := range list {
			key := strings.ToLower(addr)
			if addr == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, addr)
		}
	}
	return out
}

// processAttachments counts every attachment part, stores each non-empty one
// and extracts its text. Extraction reads the stored file, or the in-memory
// content when storage failed.
func (h *Handler) processAttachments(ctx context.Context, msg *email.Message) ([]string, []audit.Attachment, int) {
	var (
		texts  []string
		stored []audit.Attachment
	)

	atts := msg.Attachments()
	for _, att := range atts {
		if len(att.Content) == 0 {
			continue
		}

		var text string
		path, err := h.save(att)
		if err == nil {
			stored = append(stored, audit.Attachment{Filename: att.Filename, Path: path})
			text = h.extractStored(ctx, path)
		} else {
			text = h.extractMemory(ctx, att.Content)
		}
		if text != "" {
			texts = append(texts, text)
		}
	}
	return texts, stored, len(atts)
}

func (h *Handler) save(att email.Attachment) (string, error) {
	if h.opts.Attachments == nil {
		return "", fmt.Errorf("attachment storage disabled")
	}
	return h.opts.Attachments.Save(att.Filename, att.Content)
}

func (h *Handler) extractStored(ctx context.Context, path string) string {
	if h.opts.Extractor == nil {
		return ""
	}
	if extract.IsArchive(path) {
		members := h.opts.Extractor.ExtractFromArchive(ctx, path, h.opts.MaxArchiveDepth)
		names := make([]string, 0, len(members))
		for name := range members {
			names = append(names, name)
		}
		sort.Strings(names)
		texts := make([]string, 0, len(names))
		for _, name := range names {
			texts = append(texts, members[name])
		}
		return strings.Join(texts, "\n\n")
	}
	text, _ := h.opts.Extractor.ExtractFile(ctx, path, h.opts.MaxAttachmentSize)
	return text
}

func (h *Handler) extractMemory(ctx context.Context, data []byte) string {
	if h.opts.Extractor == nil {
		return ""
	}
	text, _ := h.opts.Extractor.ExtractText(ctx, data, h.opts.MaxAttachmentSize)
	return text
}

// persistAndNotify writes record and publishes it. A failed write is logged
// and suppresses the event, since there is no record to point observers at.
func (h *Handler) persistAndNotify(ctx context.Context, record *audit.Record) {
	if h.opts.Audit != nil {
		if err := h.opts.Audit.Create(ctx, record); err != nil {
			slog.Error("failed to write audit record", "message_id", record.MessageID, "error", err)
			return
		}
	}
	if h.opts.Events != nil {
		h.opts.Events.Publish(events.Event{Type: events.TypeNewEmail, Data: record.View()})
	}
}

func (h *Handler) forward(ctx context.Context, decision *policy.Decision, messageID string) bool {
	if !decision.Action.Forwarded() {
		slog.Warn("message withheld", "message_id", messageID, "action", decision.Action, "reason", decision.Reason)
		return false
	}
	if h.opts.Forwarder == nil {
		return false
	}

	out := decision.Original
	if decision.Modified != nil {
		out = decision.Modified
	}
	ok := h.opts.Forwarder.Forward(ctx, out)
	h.opts.Metrics.ObserveForward(ok)
	return ok
}

// fail records an error outcome. The audit write and the event are both
// attempted even if earlier stages left metadata incomplete.
func (h *Handler) fail(ctx context.Context, meta *metadata, start time.Time, err error) *Result {
	if meta.messageID == "" {
		meta.messageID = fmt.Sprintf("<%s@mailguard>", uuid.NewString())
	}
	if meta.sender == "" {
		meta.sender = UnknownSender
	}
	if meta.subject == "" {
		meta.subject = NoSubject
	}

	record := &audit.Record{
		MessageID:        audit.TruncateChars(meta.messageID, audit.MaxAddressChars),
		Sender:           audit.TruncateChars(meta.sender, audit.MaxAddressChars),
		Recipients:       meta.recipients,
		Subject:          audit.TruncateChars(meta.subject, audit.MaxSubjectChars),
		Timestamp:        meta.received,
		Status:           audit.StatusError,
		ErrorMessage:     err.Error(),
		ProcessingTimeMS: elapsedMS(start, h.now()),
	}
	h.persistAndNotify(ctx, record)
	h.opts.Metrics.ObserveError(h.now().Sub(start))

	return &Result{
		RecordID:  record.ID,
		MessageID: meta.messageID,
		Status:    audit.StatusError,
		Err:       err,
	}
}

func elapsedMS(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000
}

func detectionTypes(detections []detect.Detection) []string {
	types := make([]string, len(detections))
	for i, d := range detections {
		types[i] = d.PatternType
	}
	return types
}
