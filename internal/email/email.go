package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"pfw.app/cloud/internal/config"
	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/models"
)

var ErrNotConfigured = errors.New("SMTP configuration missing")

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer delivers license keys to customers over SMTP.
type Mailer struct {
	host     string
	port     string
	username string
	password string
	from     string
	send     sendFunc
}

func NewMailer(cfg *config.Config) *Mailer {
	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.EmailFrom,
		send:     smtp.SendMail,
	}
}

func (m *Mailer) Send(to, subject, body string) error {
	if m.host == "" || m.port == "" {
		logger.Error("SMTP configuration missing")
		return ErrNotConfigured
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return errors.New("invalid header value")
	}

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", m.from, to, subject, body))

	addr := fmt.Sprintf("%s:%s", m.host, m.port)
	return m.send(addr, auth, m.from, []string{to}, msg)
}

// LicenseIssued emails the key of a newly created license to its owner.
func (m *Mailer) LicenseIssued(ctx context.Context, rec *models.LicenseRecord) error {
	to := rec.License.Email
	if to == "" {
		logger.Warn("License has no email address, skipping delivery", map[string]interface{}{
			"license_key": rec.Key,
		})
		return nil
	}

	if err := m.Send(to, "Your PFW Pro license key", licenseBody(rec)); err != nil {
		return fmt.Errorf("failed to send license email: %w", err)
	}
	logger.Info("License email sent", map[string]interface{}{
		"email": to,
		"plan":  rec.License.Plan,
	})
	return nil
}

func licenseBody(rec *models.LicenseRecord) string {
	customer := models.Customer{Name: rec.License.Name}

	validity := "Lifetime"
	if rec.License.ExpiresAt != nil {
		validity = "Until " + rec.License.ExpiresAt.UTC().Format("January 2, 2006")
	}

	product := "PFW Pro (annual)"
	if rec.License.Plan == models.PlanLifetime {
		product = "PFW Pro (lifetime)"
	}

	return fmt.Sprintf(`Hello %s,

Thank you for purchasing PFW Pro! Your payment has been processed successfully.

LICENSE DETAILS
License Key: %s
Product: %s
Valid: %s

GETTING STARTED
1. Open PFW
2. Go to Settings > License
3. Enter your license key: %s

If you have any questions, reply to this email.

The PFW Team`,
		customer.FirstName(),
		rec.Key,
		product,
		validity,
		rec.Key)
}
