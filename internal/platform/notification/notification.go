// Package notification delivers the rendered lab report over email.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// SMTP Sender
// ---------------------------------------------------------------------------

// SMTPSender sends mail through a plain SMTP relay.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendEmail submits one message. Auth is skipped when no username is
// configured (local relay).
func (s *SMTPSender) SendEmail(_ context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(addr, auth, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Report Notifier
// ---------------------------------------------------------------------------

// ReportNotifier hands pipeline reports to an EmailSender. Delivery failure
// is reported back to the pipeline but never fails the run.
type ReportNotifier struct {
	sender    EmailSender
	recipient string
	logger    zerolog.Logger
}

// NewReportNotifier constructs a ReportNotifier. A nil sender or empty
// recipient turns delivery into a logged no-op.
func NewReportNotifier(sender EmailSender, recipient string, logger zerolog.Logger) *ReportNotifier {
	return &ReportNotifier{sender: sender, recipient: recipient, logger: logger}
}

// Deliver sends the report body. The returned error describes a delivery
// failure only; callers treat it as advisory.
func (n *ReportNotifier) Deliver(ctx context.Context, subject, body string) error {
	if n.sender == nil || n.recipient == "" {
		n.logger.Info().Msg("no report recipient configured, skipping email delivery")
		return nil
	}

	if err := n.sender.SendEmail(ctx, n.recipient, subject, body); err != nil {
		n.logger.Error().Err(err).Str("recipient", n.recipient).Msg("report delivery failed")
		return err
	}

	n.logger.Info().Str("recipient", n.recipient).Msg("report delivered")
	return nil
}
