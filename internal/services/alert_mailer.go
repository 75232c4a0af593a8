package services

import (
	"context"
	"fmt"
	"html"
	"time"

	"entitlement-api/internal/models"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// sendEmailFunc delivers one transactional email
type sendEmailFunc func(ctx context.Context, email brevo.SendSmtpEmail) error

// AlertMailer emails operators about ownership anomalies through Brevo
type AlertMailer struct {
	fromEmail string
	fromName  string
	to        string
	send      sendEmailFunc
}

// NewAlertMailer creates a Brevo-backed mailer. It returns nil when the API
// key or the recipient is missing.
func NewAlertMailer(apiKey, fromEmail, to string) *AlertMailer {
	if apiKey == "" || to == "" {
		return nil
	}
	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", apiKey)
	client := brevo.NewAPIClient(cfg)

	return &AlertMailer{
		fromEmail: fromEmail,
		fromName:  "Entitlement Service",
		to:        to,
		send: func(ctx context.Context, email brevo.SendSmtpEmail) error {
			_, _, err := client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
			return err
		},
	}
}

// SendAnomalyAlert emails the details of an anomaly
func (m *AlertMailer) SendAnomalyAlert(ctx context.Context, anomaly *models.EntitlementAnomaly) error {
	email := buildAnomalyEmail(m.fromEmail, m.fromName, m.to, anomaly)
	if err := m.send(ctx, email); err != nil {
		return fmt.Errorf("failed to send anomaly alert: %w", err)
	}
	return nil
}

func buildAnomalyEmail(fromEmail, fromName, to string, anomaly *models.EntitlementAnomaly) brevo.SendSmtpEmail {
	subject := fmt.Sprintf("Entitlement anomaly - %s", anomaly.ProductID)
	detectedAt := anomaly.DetectedAt.UTC().Format(time.RFC3339)

	htmlContent := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head>
			<meta charset="UTF-8">
			<title>Entitlement anomaly</title>
		</head>
		<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
			<h1 style="color: #333;">Entitlement anomaly</h1>
			<p>The provider reported a product as already owned, but no matching live purchase was found. No entitlement was granted.</p>
			<table>
				<tr><td>Account</td><td>%s</td></tr>
				<tr><td>Product</td><td>%s</td></tr>
				<tr><td>Response code</td><td>%d</td></tr>
				<tr><td>Reason</td><td>%s</td></tr>
				<tr><td>Detected at</td><td>%s</td></tr>
			</table>
		</body>
		</html>
	`, html.EscapeString(anomaly.AccountID), html.EscapeString(anomaly.ProductID), anomaly.ResponseCode,
		html.EscapeString(anomaly.Reason), detectedAt)

	textContent := fmt.Sprintf(`
		Entitlement anomaly

		The provider reported a product as already owned, but no matching live purchase was found.

		Account: %s
		Product: %s
		Response code: %d
		Reason: %s
		Detected at: %s
	`, anomaly.AccountID, anomaly.ProductID, anomaly.ResponseCode, anomaly.Reason, detectedAt)

	return brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  fromName,
			Email: fromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: to},
		},
		Subject:     subject,
		HtmlContent: htmlContent,
		TextContent: textContent,
	}
}
