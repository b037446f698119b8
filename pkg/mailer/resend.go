package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
)

// ResendMailer sends verification email through the Resend API.
type ResendMailer struct {
	client *resend.Client
	from   string
}

// NewResendMailer builds a Resend-backed mailer.
func NewResendMailer(apiKey, from string) (*ResendMailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("email sender address is required")
	}
	return &ResendMailer{
		client: resend.NewClient(apiKey),
		from:   from,
	}, nil
}

// SendVerification delivers the code to the recipient.
func (m *ResendMailer) SendVerification(ctx context.Context, to, username, code string) error {
	params := &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{to},
		Subject: verificationSubject(),
		Text:    verificationText(username, code),
		Html:    verificationHTML(username, code),
	}
	if _, err := m.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

func maskEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return email
	}
	local := parts[0]
	domain := parts[1]
	switch len(local) {
	case 0:
		return "***@" + domain
	case 1:
		return local + "***@" + domain
	default:
		return local[:1] + "***" + local[len(local)-1:] + "@" + domain
	}
}
