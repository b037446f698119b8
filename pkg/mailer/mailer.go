package mailer

import (
	"context"
	"fmt"
	"log/slog"
)

// Mailer delivers the verification email for a pending registration. A send
// failure is reported to the caller; stored account state is never rolled
// back on delivery failure.
type Mailer interface {
	SendVerification(ctx context.Context, to, username, code string) error
}

// LogMailer logs the verification code instead of sending email. It backs
// local runs without a configured email provider.
type LogMailer struct{}

// NewLogMailer builds a log-only mailer.
func NewLogMailer() *LogMailer {
	return &LogMailer{}
}

// SendVerification logs the code and reports success.
func (m *LogMailer) SendVerification(_ context.Context, to, username, code string) error {
	slog.Info("verification email (log-only mailer)",
		"to", maskEmail(to),
		"username", username,
		"code", code,
	)
	return nil
}

func verificationSubject() string {
	return "Whisperbox Verification Code"
}

func verificationText(username, code string) string {
	return fmt.Sprintf("Hello %s,\n\nThank you for registering. Your verification code is: %s\n\nThe code expires in one hour.\n", username, code)
}

func verificationHTML(username, code string) string {
	return fmt.Sprintf("<p>Hello %s,</p><p>Thank you for registering. Your verification code is:</p><p><strong>%s</strong></p><p>The code expires in one hour.</p>", username, code)
}
