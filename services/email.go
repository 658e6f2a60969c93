package services

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"saas-knowledge-platform/internal/config"
)

// EmailSender delivers operator notifications.
type EmailSender interface {
	SendFailureAlert(data FailureAlertData) error
}

// FailureAlertData is the payload rendered into a failure digest email.
type FailureAlertData struct {
	ServiceName   string
	Count         int
	WindowMinutes int
	Failures      []FailureDetail
}

// FailureDetail is one failed unit of work inside the digest window.
type FailureDetail struct {
	Stage     string
	SubjectID string
	Message   string
	At        time.Time
}

// SMTPEmailSender sends alert mail through a plain SMTP relay.
type SMTPEmailSender struct {
	config *config.Config
}

// NewSMTPEmailSender returns a nil EmailSender when no SMTP host is
// configured, which callers treat as alerting disabled. The interface return
// keeps that nil a real nil instead of a typed pointer inside an interface.
func NewSMTPEmailSender(cfg *config.Config) EmailSender {
	if cfg.SMTPHost == "" {
		return nil
	}
	return &SMTPEmailSender{config: cfg}
}

func (s *SMTPEmailSender) SendFailureAlert(data FailureAlertData) error {
	recipients := make([]string, 0, len(s.config.AdminEmails))
	for _, addr := range s.config.AdminEmails {
		if strings.TrimSpace(addr) != "" {
			recipients = append(recipients, strings.TrimSpace(addr))
		}
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no admin recipients configured")
	}

	subject, htmlBody, textBody, err := generateFailureEmail(data)
	if err != nil {
		return fmt.Errorf("failed to generate email content: %w", err)
	}
	return s.sendEmail(recipients, subject, htmlBody, textBody)
}

func generateFailureEmail(data FailureAlertData) (subject, htmlBody, textBody string, err error) {
	subjectT, _ := template.New("subject").Parse(failureSubjectTemplate)
	htmlT, _ := template.New("html").Parse(failureHTMLTemplate)
	textT, _ := template.New("text").Parse(failureTextTemplate)

	var subjectBuf, htmlBuf, textBuf bytes.Buffer
	if err := subjectT.Execute(&subjectBuf, data); err != nil {
		return "", "", "", err
	}
	if err := htmlT.Execute(&htmlBuf, data); err != nil {
		return "", "", "", err
	}
	if err := textT.Execute(&textBuf, data); err != nil {
		return "", "", "", err
	}
	return subjectBuf.String(), htmlBuf.String(), textBuf.String(), nil
}

func (s *SMTPEmailSender) sendEmail(recipients []string, subject, htmlBody, textBody string) error {
	auth := smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPass, s.config.SMTPHost)

	message := fmt.Sprintf(`From: %s
To: %s
Subject: %s
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="boundary123"

--boundary123
Content-Type: text/plain; charset=UTF-8

%s

--boundary123
Content-Type: text/html; charset=UTF-8

%s

--boundary123--`,
		s.config.SMTPFrom,
		strings.Join(recipients, ", "),
		subject,
		textBody,
		htmlBody)

	addr := fmt.Sprintf("%s:%s", s.config.SMTPHost, s.config.SMTPPort)
	return smtp.SendMail(addr, auth, s.config.SMTPFrom, recipients, []byte(message))
}

const failureSubjectTemplate = `Pipeline failures on {{.ServiceName}}: {{.Count}} in the last {{.WindowMinutes}} minutes`

const failureHTMLTemplate = `<html><body>
<h2>Pipeline Failure Alert</h2>
<p>{{.Count}} units of work failed on <strong>{{.ServiceName}}</strong> within the last {{.WindowMinutes}} minutes.</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Stage</th><th>Subject</th><th>Error</th><th>At</th></tr>
{{range .Failures}}<tr><td>{{.Stage}}</td><td>{{.SubjectID}}</td><td>{{.Message}}</td><td>{{.At.Format "15:04:05 MST"}}</td></tr>
{{end}}</table>
<p>Check the task list and worker logs for details.</p>
</body></html>`

const failureTextTemplate = `Pipeline Failure Alert

{{.Count}} units of work failed on {{.ServiceName}} within the last {{.WindowMinutes}} minutes.

{{range .Failures}}- [{{.Stage}}] {{.SubjectID}}: {{.Message}} ({{.At.Format "15:04:05 MST"}})
{{end}}
Check the task list and worker logs for details.`
