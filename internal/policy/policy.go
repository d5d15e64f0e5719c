// Package policy decides what happens to a message given its detections.
package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/shineum/mailguard/internal/detect"
	"github.com/shineum/mailguard/internal/email"
)

// Action is the enforcement outcome for a message.
type Action string

const (
	Allow      Action = "allow"
	Tag        Action = "tag"
	Sanitize   Action = "sanitize"
	Quarantine Action = "quarantine"
	Block      Action = "block"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Allow, Tag, Sanitize, Quarantine, Block:
		return a, nil
	}
	return "", fmt.Errorf("unknown policy action %q", s)
}

// Forwarded reports whether messages with this action go upstream.
func (a Action) Forwarded() bool {
	return a == Allow || a == Tag || a == Sanitize
}

// SensitiveSubjectPrefix is prepended to the subject of tagged messages.
const SensitiveSubjectPrefix = "[SENSITIVE] "

// DefaultRules maps the built-in categories to actions.
func DefaultRules() map[string]Action {
	return map[string]Action{
		detect.CreditCard:   Block,
		detect.SIN:          Block,
		detect.SSN:          Block,
		detect.Email:        Tag,
		detect.Person:       Tag,
		detect.Organization: Tag,
	}
}

// Quarantiner persists a message withheld from delivery.
type Quarantiner interface {
	Save(messageID string, raw []byte) (string, error)
}

// Decision is the result of evaluating one message.
type Decision struct {
	Action     Action
	Reason     string
	Detections []detect.Detection
	Original   *email.Message

	// Modified is set for tag and sanitize only.
	Modified *email.Message

	// QuarantinePath is set when a quarantine save succeeded.
	QuarantinePath string
}

// Options configures an Engine.
type Options struct {
	DefaultAction Action
	Rules         map[string]Action
	Quarantine    Quarantiner
}

// Engine evaluates detections against a category table.
type Engine struct {
	defaultAction Action
	rules         map[string]Action
	quarantine    Quarantiner
}

// NewEngine creates an engine. A zero DefaultAction means tag and nil Rules
// means DefaultRules.
func NewEngine(opts Options) *Engine {
	if opts.DefaultAction == "" {
		opts.DefaultAction = Tag
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	return &Engine{
		defaultAction: opts.DefaultAction,
		rules:         opts.Rules,
		quarantine:    opts.Quarantine,
	}
}

// Evaluate decides the action for msg. It never mutates msg.
func (e *Engine) Evaluate(detections []detect.Detection, msg *email.Message) *Decision {
	if len(detections) == 0 {
		return &Decision{
			Action:   Allow,
			Reason:   "No sensitive data detected",
			Original: msg,
		}
	}

	switch e.resolve(detections) {
	case Block:
		return e.block(detections, msg)
	case Quarantine:
		return e.quarantineMessage(detections, msg)
	case Sanitize:
		return e.sanitize(detections, msg)
	case Tag:
		return e.tag(detections, msg)
	default:
		return &Decision{
			Action:     Allow,
			Reason:     fmt.Sprintf("Allowed: %d sensitive data pattern(s) detected (e.g., %s)", len(detections), detections[0].PatternType),
			Detections: detections,
			Original:   msg,
		}
	}
}

// resolve applies the table: any block wins outright, otherwise the first
// mapped action that differs from the default.
func (e *Engine) resolve(detections []detect.Detection) Action {
	action := e.defaultAction
	for _, d := range detections {
		mapped, ok := e.rules[d.PatternType]
		if !ok {
			mapped = e.defaultAction
		}
		if mapped == Block {
			return Block
		}
		if action == e.defaultAction {
			action = mapped
		}
	}
	return action
}

func reason(verb string, n int, example, noun string) string {
	return fmt.Sprintf("%s: %d sensitive data pattern(s) %s (e.g., %s)", verb, n, noun, example)
}

func (e *Engine) block(detections []detect.Detection, msg *email.Message) *Decision {
	return &Decision{
		Action:     Block,
		Reason:     reason("Blocked", len(detections), detections[0].PatternType, "detected"),
		Detections: detections,
		Original:   msg,
	}
}

func (e *Engine) quarantineMessage(detections []detect.Detection, msg *email.Message) *Decision {
	if e.quarantine == nil {
		slog.Error("quarantine requested without a store, blocking instead")
		return e.block(detections, msg)
	}

	raw, err := msg.Bytes()
	if err != nil {
		slog.Error("failed to serialize message for quarantine, blocking instead", "error", err)
		return e.block(detections, msg)
	}

	path, err := e.quarantine.Save(msg.MessageID(), raw)
	if err != nil || path == "" {
		slog.Error("failed to quarantine message, blocking instead",
			"message_id", msg.MessageID(),
			"error", err,
		)
		return e.block(detections, msg)
	}

	return &Decision{
		Action:         Quarantine,
		Reason:         reason("Quarantined", len(detections), detections[0].PatternType, "detected"),
		Detections:     detections,
		Original:       msg,
		QuarantinePath: path,
	}
}

func (e *Engine) sanitize(detections []detect.Detection, msg *email.Message) *Decision {
	b := msg.Edit()
	found := b.ReplaceText(func(offset int, text string) string {
		return Redact(text, shift(detections, -offset))
	})
	if !found {
		slog.Warn("no text part to sanitize", "message_id", msg.MessageID())
	}
	b.SetHeader("X-Content-Sanitized", "true")
	b.SetHeader("X-Sanitization-Reason", fmt.Sprintf("%d sensitive pattern(s) detected", len(detections)))
	modified := b.Message()

	if leaked := unredacted(modified.TextBody(), detections); leaked != "" {
		slog.Error("sensitive text survived redaction, blocking instead",
			"message_id", msg.MessageID(),
			"pattern_type", leaked,
		)
		return e.block(detections, msg)
	}

	return &Decision{
		Action:     Sanitize,
		Reason:     reason("Sanitized", len(detections), detections[0].PatternType, "removed"),
		Detections: detections,
		Original:   msg,
		Modified:   modified,
	}
}

func (e *Engine) tag(detections []detect.Detection, msg *email.Message) *Decision {
	types := detect.Types(detections)

	b := msg.Edit()
	b.SetHeader("X-Sensitive-Data-Detected", "true")
	b.SetHeader("X-Detection-Types", strings.Join(types, ", "))
	b.SetHeader("X-Detection-Count", strconv.Itoa(len(detections)))
	b.SetSubject(SensitiveSubjectPrefix + msg.Subject())

	return &Decision{
		Action:     Tag,
		Reason:     reason("Tagged", len(detections), types[0], "detected"),
		Detections: detections,
		Original:   msg,
		Modified:   b.Message(),
	}
}

// Redact replaces each detected span of text with "[REDACTED <TYPE>]",
// working from the highest offset down so pending offsets stay valid. Spans
// that fall outside text, no longer match their recorded text, or overlap a
// span already replaced are left alone.
func Redact(text string, detections []detect.Detection) string {
	ordered := make([]detect.Detection, len(detections))
	copy(ordered, detections)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position.Start > ordered[j].Position.Start
	})

	floor := len(text) + 1
	for _, d := range ordered {
		start, end := d.Position.Start, d.Position.End
		if start < 0 || start >= end || end > len(text) {
			continue
		}
		if end > floor {
			continue
		}
		if text[start:end] != d.MatchedText {
			continue
		}
		text = text[:start] + "[REDACTED " + strings.ToUpper(d.PatternType) + "]" + text[end:]
		floor = start
	}
	return text
}

func shift(detections []detect.Detection, delta int) []detect.Detection {
	shifted := make([]detect.Detection, len(detections))
	for i, d := range detections {
		d.Position.Start += delta
		d.Position.End += delta
		shifted[i] = d
	}
	return shifted
}

// unredacted returns the type of the first detection whose matched text is
// still present in body.
func unredacted(body string, detections []detect.Detection) string {
	for _, d := range detections {
		if d.MatchedText != "" && strings.Contains(body, d.MatchedText) {
			return d.PatternType
		}
	}
	return ""
}
