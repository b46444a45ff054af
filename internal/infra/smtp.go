package infra

import (
	"fmt"
	"net/mail"
	"net/smtp"
	"os"
	"path/filepath"

	"xpos/internal/config"

	"github.com/jordan-wright/email"
)

// Mailer sends the PDF copy of a fiscal receipt to the customer address
// captured with the sale.
type Mailer struct {
	host     string
	user     string
	password string
	addr     string
	from     string
}

func NewMailer(cfg *config.Config) *Mailer {
	from := cfg.SMTPUser
	if cfg.BusinessName != "" && cfg.SMTPUser != "" {
		from = (&mail.Address{Name: cfg.BusinessName, Address: cfg.SMTPUser}).String()
	}
	return &Mailer{
		host:     cfg.SMTPHost,
		user:     cfg.SMTPUser,
		password: cfg.SMTPPassword,
		addr:     fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		from:     from,
	}
}

// Enabled is false when no SMTP host is configured.
func (m *Mailer) Enabled() bool { return m != nil && m.host != "" }

// SendReceiptCopy mails pdfPath as an attachment. A receipt whose PDF was
// never written is still mailed, without the attachment.
func (m *Mailer) SendReceiptCopy(to, subject, body, pdfPath string) error {
	if !m.Enabled() {
		return fmt.Errorf("mailer: smtp not configured")
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return fmt.Errorf("mailer: bad recipient %q: %w", to, err)
	}
	e := email.NewEmail()
	e.From = m.from
	e.To = []string{to}
	e.Subject = subject
	e.Text = []byte(body)
	if pdfPath != "" {
		f, err := os.Open(pdfPath)
		switch {
		case err == nil:
			_, err = e.Attach(f, filepath.Base(pdfPath), "application/pdf")
			f.Close()
			if err != nil {
				return fmt.Errorf("mailer: attach receipt: %w", err)
			}
		case !os.IsNotExist(err):
			return fmt.Errorf("mailer: open receipt: %w", err)
		}
	}
	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.password, m.host)
	}
	return e.Send(m.addr, auth)
}
