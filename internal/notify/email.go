// Package notify sends billing notifications over SMTP. When SMTP is not
// configured every send degrades to a log line, so the settlement path
// never depends on a mail server being up.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"strconv"

	"bursar/pkg/logging"
)

// Directory resolves the notification address for a tenant. The billing
// service does not own tenant contact data, so deployments plug in their
// own lookup; EnvDirectory routes everything to a shared alerts inbox.
type Directory interface {
	EmailFor(ctx context.Context, tenantID string) (string, error)
}

// EnvDirectory sends all notifications to BILLING_ALERTS_EMAIL.
type EnvDirectory struct{}

func (EnvDirectory) EmailFor(ctx context.Context, tenantID string) (string, error) {
	addr := os.Getenv("BILLING_ALERTS_EMAIL")
	if addr == "" {
		return "", fmt.Errorf("BILLING_ALERTS_EMAIL not set")
	}
	return addr, nil
}

// EmailService handles email notifications
type EmailService struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	directory    Directory
	logger       logging.Logger
}

// EmailData represents data for email templates
type EmailData struct {
	TenantID       string
	BalanceCents   int64
	ThresholdCents int64
	AmountCents    int64
	Reason         string
}

// NewEmailService creates a new email service instance
func NewEmailService(directory Directory, logger logging.Logger) *EmailService {
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if port == 0 {
		port = 587
	}
	if directory == nil {
		directory = EnvDirectory{}
	}

	return &EmailService{
		smtpHost:     os.Getenv("SMTP_HOST"),
		smtpPort:     port,
		smtpUser:     os.Getenv("SMTP_USER"),
		smtpPassword: os.Getenv("SMTP_PASSWORD"),
		fromEmail:    os.Getenv("FROM_EMAIL"),
		fromName:     os.Getenv("FROM_NAME"),
		directory:    directory,
		logger:       logger,
	}
}

// IsConfigured checks if email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.smtpHost != "" && es.smtpUser != "" && es.smtpPassword != "" && es.fromEmail != ""
}

// NotifyLowBalance warns that a tenant's balance crossed their threshold
// without auto recharge to catch it.
func (es *EmailService) NotifyLowBalance(ctx context.Context, tenantID string, balanceCents, thresholdCents int64) {
	subject := fmt.Sprintf("Low balance for tenant %s", tenantID)
	es.send(ctx, tenantID, subject, "low_balance", EmailData{
		TenantID:       tenantID,
		BalanceCents:   balanceCents,
		ThresholdCents: thresholdCents,
	})
}

// NotifyRechargeFailed reports a recharge that will not be retried.
func (es *EmailService) NotifyRechargeFailed(ctx context.Context, tenantID string, amountCents int64, reason string) {
	subject := fmt.Sprintf("Auto recharge failed for tenant %s", tenantID)
	es.send(ctx, tenantID, subject, "recharge_failed", EmailData{
		TenantID:    tenantID,
		AmountCents: amountCents,
		Reason:      reason,
	})
}

func (es *EmailService) send(ctx context.Context, tenantID, subject, templateName string, data EmailData) {
	if !es.IsConfigured() {
		es.logger.WithFields(logging.Fields{
			"tenant_id": tenantID,
			"subject":   subject,
		}).Warn("Email service not configured, skipping notification")
		return
	}

	to, err := es.directory.EmailFor(ctx, tenantID)
	if err != nil {
		es.logger.WithError(err).WithField("tenant_id", tenantID).Warn("No notification address for tenant")
		return
	}

	body, err := es.renderTemplate(templateName, data)
	if err != nil {
		es.logger.WithError(err).Error("Failed to render notification template")
		return
	}
	if err := es.sendEmail(to, subject, body); err == nil {
		es.logger.WithFields(logging.Fields{
			"to":      to,
			"subject": subject,
		}).Info("Notification sent")
	}
}

func (es *EmailService) renderTemplate(name string, data EmailData) (string, error) {
	tmplText, ok := emailTemplates[name]
	if !ok {
		return "", fmt.Errorf("unknown email template %q", name)
	}
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"money": func(cents int64) string {
			return fmt.Sprintf("%d.%02d", cents/100, cents%100)
		},
	}).Parse(tmplText)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (es *EmailService) sendEmail(to, subject, body string) error {
	auth := smtp.PlainAuth("", es.smtpUser, es.smtpPassword, es.smtpHost)

	fromHeader := es.fromEmail
	if es.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", es.fromName, es.fromEmail)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		fromHeader, to, subject, body)

	addr := fmt.Sprintf("%s:%d", es.smtpHost, es.smtpPort)
	err := smtp.SendMail(addr, auth, es.fromEmail, []string{to}, []byte(msg))
	if err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}
	return nil
}

var emailTemplates = map[string]string{
	"low_balance": `<html><body>
<h2>Low balance warning</h2>
<p>Tenant <strong>{{.TenantID}}</strong> has a balance of {{money .BalanceCents}},
at or below the configured threshold of {{money .ThresholdCents}}.</p>
<p>Auto recharge is not configured for this tenant. Calls will be rejected
once the balance reaches the debt limit.</p>
</body></html>`,
	"recharge_failed": `<html><body>
<h2>Auto recharge failed</h2>
<p>The recharge of {{money .AmountCents}} for tenant
<strong>{{.TenantID}}</strong> could not be completed.</p>
<p>Reason: {{.Reason}}</p>
<p>No further attempts will be made until the payment method is updated.</p>
</body></html>`,
}
