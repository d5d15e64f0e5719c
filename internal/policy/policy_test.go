package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/mailguard/internal/detect"
	"github.com/shineum/mailguard/internal/email"
	"github.com/shineum/mailguard/internal/parser"
)

func mustParse(t *testing.T, raw string) *email.Message {
	t.Helper()
	msg, err := parser.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return msg
}

const plainMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Quarterly numbers\r\n" +
	"Message-Id: <q1@example.com>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Card 4532-1234-5678-9010 and SIN 123-456-789\r\n"

const multipartMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Docs\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"SSN 123-45-6789 inside\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Disposition: attachment; filename=notes.txt\r\n" +
	"\r\n" +
	"attachment 123-45-6789\r\n" +
	"--BOUNDARY--\r\n"

func detectAll(t *testing.T, msg *email.Message) []detect.Detection {
	t.Helper()
	return detect.NewEngine(detect.NewRegexDetector()).DetectPatterns(context.Background(), msg.TextBody(), 0.7)
}

func TestEvaluateAllow(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, plainMessage)
	d := NewEngine(Options{}).Evaluate(nil, msg)

	if d.Action != Allow {
		t.Errorf("action = %q, want allow", d.Action)
	}
	if d.Reason != "No sensitive data detected" {
		t.Errorf("reason = %q", d.Reason)
	}
	if d.Modified != nil || d.QuarantinePath != "" {
		t.Errorf("allow decision carries modified=%v path=%q", d.Modified, d.QuarantinePath)
	}
}

func TestEvaluateBlockPriority(t *testing.T) {
	t.Parallel()

	mail := detect.Detection{PatternType: detect.Email, MatchedText: "a@b.co", Position: detect.Position{Start: 0, End: 6}}
	person := detect.Detection{PatternType: detect.Person, MatchedText: "Ann", Position: detect.Position{Start: 10, End: 13}}
	card := detect.Detection{PatternType: detect.CreditCard, MatchedText: "4532123456789010", Position: detect.Position{Start: 20, End: 36}}

	orders := [][]detect.Detection{
		{card, mail, person},
		{mail, card, person},
		{mail, person, card},
		{person, mail, card},
	}

	msg := mustParse(t, plainMessage)
	e := NewEngine(Options{DefaultAction: Tag})
	for i, ds := range orders {
		d := e.Evaluate(ds, msg)
		if d.Action != Block {
			t.Errorf("order %d: action = %q, want block", i, d.Action)
		}
		if d.Modified != nil {
			t.Errorf("order %d: block decision carries a modified message", i)
		}
		if d.Original != msg {
			t.Errorf("order %d: original not carried", i)
		}
	}
}

func TestEvaluateFirstNonDefault(t *testing.T) {
	t.Parallel()

	rules := map[string]Action{
		detect.Email:  Tag,
		"phone":       Sanitize,
		detect.Person: Quarantine,
	}
	ds := []detect.Detection{
		{PatternType: detect.Email, MatchedText: "a@b.co", Position: detect.Position{Start: 0, End: 6}},
		{PatternType: "phone", MatchedText: "555", Position: detect.Position{Start: 7, End: 10}},
		{PatternType: detect.Person, MatchedText: "Ann", Position: detect.Position{Start: 11, End: 14}},
	}

	d := NewEngine(Options{DefaultAction: Tag, Rules: rules}).Evaluate(ds, mustParse(t, plainMessage))
	if d.Action != Sanitize {
		t.Errorf("action = %q, want sanitize", d.Action)
	}
}

func TestEvaluateUnknownTypeUsesDefault(t *testing.T) {
	t.Parallel()

	ds := []detect.Detection{{PatternType: "iban", MatchedText: "x", Position: detect.Position{Start: 0, End: 1}}}
	d := NewEngine(Options{DefaultAction: Allow}).Evaluate(ds, mustParse(t, plainMessage))
	if d.Action != Allow {
		t.Errorf("action = %q, want allow", d.Action)
	}
	if !strings.Contains(d.Reason, "1 sensitive data pattern(s)") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluateBlockReason(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, plainMessage)
	ds := detectAll(t, msg)
	d := NewEngine(Options{}).Evaluate(ds, msg)

	if d.Action != Block {
		t.Fatalf("action = %q, want block", d.Action)
	}
	want := "Blocked: 2 sensitive data pattern(s) detected (e.g., credit_card)"
	if d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}
}

type fakeQuarantine struct {
	id   string
	raw  []byte
	path string
	err  error
}

func (f *fakeQuarantine) Save(messageID string, raw []byte) (string, error) {
	f.id = messageID
	f.raw = raw
	return f.path, f.err
}

func TestEvaluateQuarantine(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, plainMessage)
	ds := detectAll(t, msg)
	q := &fakeQuarantine{path: "/var/quarantine/x.eml"}

	d := NewEngine(Options{DefaultAction: Quarantine, Rules: map[string]Action{}, Quarantine: q}).Evaluate(ds, msg)
	if d.Action != Quarantine {
		t.Fatalf("action = %q, want quarantine", d.Action)
	}
	if d.QuarantinePath != q.path {
		t.Errorf("path = %q, want %q", d.QuarantinePath, q.path)
	}
	if string(q.raw) != plainMessage {
		t.Errorf("quarantined bytes differ from original")
	}
	if q.id != "<q1@example.com>" {
		t.Errorf("message id = %q", q.id)
	}
	if d.Modified != nil {
		t.Error("quarantine decision carries a modified message")
	}
}

func TestEvaluateQuarantineFailureBlocks(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, plainMessage)
	ds := detectAll(t, msg)

	for name, q := range map[string]Quarantiner{
		"error":    &fakeQuarantine{err: errors.New("disk full")},
		"no store": nil,
	} {
		d := NewEngine(Options{DefaultAction: Quarantine, Rules: map[string]Action{}, Quarantine: q}).Evaluate(ds, msg)
		if d.Action != Block {
			t.Errorf("%s: action = %q, want block", name, d.Action)
		}
		if d.QuarantinePath != "" {
			t.Errorf("%s: path = %q, want empty", name, d.QuarantinePath)
		}
	}
}

func TestEvaluateSanitize(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, plainMessage)
	ds := detectAll(t, msg)

	d := NewEngine(Options{DefaultAction: Sanitize, Rules: map[string]Action{}}).Evaluate(ds, msg)
	if d.Action != Sanitize {
		t.Fatalf("action = %q, want sanitize", d.Action)
	}
	if d.Modified == nil {
		t.Fatal("sanitize decision has no modified message")
	}

	body := d.Modified.TextBody()
	want := "Card [REDACTED CREDIT_CARD] and SIN [REDACTED SIN]\r\n"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	for _, det := range ds {
		if strings.Contains(body, det.MatchedText) {
			t.Errorf("body still contains %q", det.MatchedText)
		}
	}

	if got := d.Modified.Get("X-Content-Sanitized"); got != "true" {
		t.Errorf("X-Content-Sanitized = %q", got)
	}
	if got := d.Modified.Get("X-Sanitization-Reason"); got != "2 sensitive pattern(s) detected" {
		t.Errorf("X-Sanitization-Reason = %q", got)
	}
	if want := "Sanitized: 2 sensitive data pattern(s) removed (e.g., credit_card)"; d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}

	if !strings.Contains(msg.TextBody(), "4532-1234-5678-9010") {
		t.Error("original message was modified")
	}
	if msg.Has("X-Content-Sanitized") {
		t.Error("original message gained sanitize headers")
	}

	out, err := d.Modified.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error: %v", err)
	}
	reparsed := mustParse(t, string(out))
	if !strings.Contains(reparsed.TextBody(), "[REDACTED SIN]") {
		t.Errorf("serialized body lost redaction: %q", reparsed.TextBody())
	}
}

func TestEvaluateSanitizeMultipart(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, multipartMessage)
	ds := detectAll(t, msg)
	if len(ds) != 1 {
		t.Fatalf("got %d detections, want 1", len(ds))
	}

	d := NewEngine(Options{DefaultAction: Sanitize, Rules: map[string]Action{}}).Evaluate(ds, msg)
	if got := d.Modified.TextBody(); got != "SSN [REDACTED SSN] inside" {
		t.Errorf("text body = %q", got)
	}
	att := d.Modified.Attachments()
	if len(att) != 1 || string(att[0].Content) != "attachment 123-45-6789" {
		t.Errorf("attachment changed: %+v", att)
	}
}

const twoPartMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Two parts\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello there\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"SSN 123-45-6789 here\r\n" +
	"--BOUNDARY--\r\n"

func TestEvaluateSanitizeEveryTextPart(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, twoPartMessage)
	ds := detectAll(t, msg)
	if len(ds) != 1 {
		t.Fatalf("got %d detections, want 1", len(ds))
	}

	d := NewEngine(Options{DefaultAction: Sanitize, Rules: map[string]Action{}}).Evaluate(ds, msg)
	if d.Action != Sanitize {
		t.Fatalf("action = %q, want sanitize", d.Action)
	}
	want := "hello there\nSSN [REDACTED SSN] here"
	if got := d.Modified.TextBody(); got != want {
		t.Errorf("text body = %q, want %q", got, want)
	}

	out, err := d.Modified.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error: %v", err)
	}
	if strings.Contains(string(out), "123-45-6789") {
		t.Errorf("serialized message still contains the SSN:\n%s", out)
	}
}

func TestEvaluateSanitizeLeftoverBlocks(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, twoPartMessage)
	// The span points into the first part, so the SSN in the second part
	// is never replaced.
	ds := []detect.Detection{
		{PatternType: detect.SSN, MatchedText: "123-45-6789", Confidence: 0.85, Position: detect.Position{Start: 0, End: 11}},
	}

	d := NewEngine(Options{DefaultAction: Sanitize, Rules: map[string]Action{}}).Evaluate(ds, msg)
	if d.Action != Block {
		t.Fatalf("action = %q, want block", d.Action)
	}
	if d.Modified != nil {
		t.Error("block decision carries a modified message")
	}
	if want := "Blocked: 1 sensitive data pattern(s) detected (e.g., ssn)"; d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}
}

func TestEvaluateTag(t *testing.T) {
	t.Parallel()

	msg := mustParse(t, plainMessage)
	ds := []detect.Detection{
		{PatternType: detect.Email, MatchedText: "a@b.co", Position: detect.Position{Start: 0, End: 6}},
		{PatternType: detect.Person, MatchedText: "Ann", Position: detect.Position{Start: 7, End: 10}},
		{PatternType: detect.Email, MatchedText: "c@d.co", Position: detect.Position{Start: 11, End: 17}},
	}

	d := NewEngine(Options{}).Evaluate(ds, msg)
	if d.Action != Tag {
		t.Fatalf("action = %q, want tag", d.Action)
	}

	m := d.Modified
	if got := m.Subject(); got != "[SENSITIVE] Quarterly numbers" {
		t.Errorf("subject = %q", got)
	}
	if got := m.Get("X-Sensitive-Data-Detected"); got != "true" {
		t.Errorf("X-Sensitive-Data-Detected = %q", got)
	}
	if got := m.Get("X-Detection-Types"); got != "email, person" {
		t.Errorf("X-Detection-Types = %q", got)
	}
	if got := m.Get("X-Detection-Count"); got != "3" {
		t.Errorf("X-Detection-Count = %q", got)
	}
	if want := "Tagged: 3 sensitive data pattern(s) detected (e.g., email)"; d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}
	if msg.Subject() != "Quarterly numbers" {
		t.Errorf("original subject changed to %q", msg.Subject())
	}
	if m.TextBody() != msg.TextBody() {
		t.Error("tag changed the body")
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()

	text := "id 123-45-6789 mail a@b.co"
	ds := []detect.Detection{
		{PatternType: detect.SSN, MatchedText: "123-45-6789", Position: detect.Position{Start: 3, End: 14}},
		{PatternType: detect.Email, MatchedText: "a@b.co", Position: detect.Position{Start: 20, End: 26}},
		{PatternType: detect.SIN, MatchedText: "d 12", Position: detect.Position{Start: 1, End: 5}},
		{PatternType: detect.Person, MatchedText: "nope", Position: detect.Position{Start: 0, End: 2}},
		{PatternType: detect.Person, MatchedText: "x", Position: detect.Position{Start: 30, End: 31}},
	}

	got := Redact(text, ds)
	want := "id [REDACTED SSN] mail [REDACTED EMAIL]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	if a, err := ParseAction(" Quarantine "); err != nil || a != Quarantine {
		t.Errorf("ParseAction() = (%q, %v)", a, err)
	}
	if _, err := ParseAction("drop"); err == nil {
		t.Error("expected error for unknown action")
	}
	if Block.Forwarded() || Quarantine.Forwarded() || !Tag.Forwarded() {
		t.Error("Forwarded() mismatch")
	}
}
