package mail

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	gomail "github.com/wneessen/go-mail"

	"lyceum/server/internal/logging"
)

// Notifier delivers OTP codes and signed links. Delivery failures are the
// caller's to log; no flow treats them as fatal.
type Notifier interface {
	Send(ctx context.Context, to, subject, templateName string, data map[string]string) error
}

const (
	TemplateOTP             = "otp"
	TemplatePasswordReset   = "password_reset"
	TemplateChildInvitation = "child_invitation"
)

var bodies = template.Must(template.New("mail").Parse(`
{{define "otp"}}Hello {{.first_name}},

Your verification code is {{.code}}. It expires in {{.expires_in}}.
{{end}}
{{define "password_reset"}}Hello,

A password reset was requested for your account. Follow the link below to choose a new password:

{{.link}}

If you did not request this, you can ignore this message.
{{end}}
{{define "child_invitation"}}Hello {{.first_name}},

Your parent invited you to create your student account. Follow the link below to finish registration:

{{.link}}
{{end}}
`))

func render(templateName string, data map[string]string) (string, error) {
	var sb strings.Builder
	if err := bodies.ExecuteTemplate(&sb, templateName, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()) + "\n", nil
}

// SMTP sends through a configured relay using go-mail.
type SMTP struct {
	client *gomail.Client
	from   string
}

func NewSMTP(host string, port int, username, password, from string) (*SMTP, error) {
	opts := []gomail.Option{gomail.WithPort(port)}
	if username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(username),
			gomail.WithPassword(password),
		)
	}
	client, err := gomail.NewClient(host, opts...)
	if err != nil {
		return nil, err
	}
	return &SMTP{client: client, from: from}, nil
}

func (s *SMTP) Send(ctx context.Context, to, subject, templateName string, data map[string]string) error {
	body, err := render(templateName, data)
	if err != nil {
		return fmt.Errorf("mail: render %s: %w", templateName, err)
	}

	msg := gomail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	return s.client.DialAndSendWithContext(ctx, msg)
}

// Log is the notifier used when no SMTP relay is configured; it renders the
// message and writes it to the log instead of delivering it.
type Log struct{}

func (Log) Send(ctx context.Context, to, subject, templateName string, data map[string]string) error {
	body, err := render(templateName, data)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Info("mail_not_delivered",
		"reason", "smtp_not_configured",
		"to", to,
		"subject", subject,
		"body", body,
	)
	return nil
}
